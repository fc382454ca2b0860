package rest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/vault"
)

// Credential field names shared by REST adapters.
const (
	FieldAccessToken  = "access_token"
	FieldRefreshToken = "refresh_token"
	FieldClientID     = "oauth_client_id"
	FieldClientSecret = "oauth_client_secret"
	FieldExpiresAt    = "token_expires_at" // RFC3339
)

// VaultTokenSource yields OAuth2 access tokens for one platform account,
// reading the token set from the credential vault and refreshing through the
// platform's token endpoint when the access token is expired or near expiry.
// Rotated refresh tokens are persisted back to the vault.
type VaultTokenSource struct {
	vault      *vault.Vault
	platformID string
	endpoint   oauth2.Endpoint
	logger     *slog.Logger

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewVaultTokenSource binds a token source to one account's vault entry.
func NewVaultTokenSource(v *vault.Vault, platformID string, endpoint oauth2.Endpoint, logger *slog.Logger) *VaultTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &VaultTokenSource{vault: v, platformID: platformID, endpoint: endpoint, logger: logger}
}

// Token implements oauth2.TokenSource.
func (s *VaultTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.cached.Expiry.After(time.Now().Add(time.Minute)) {
		return s.cached, nil
	}

	ctx := context.Background()
	creds, err := s.vault.Get(ctx, s.platformID)
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindEncryption, "vault get", err)
	}
	access := creds[FieldAccessToken]
	if access == "" {
		return nil, platform.NewError(platform.ErrKindAuthentication, "vault get", "no access token stored for %s", s.platformID)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: creds[FieldRefreshToken],
		TokenType:    "Bearer",
	}
	if raw := creds[FieldExpiresAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			tok.Expiry = t
		}
	}

	// A token with no recorded expiry is used as-is; the platform's 401 will
	// force a refresh on the next call.
	if tok.Expiry.IsZero() || tok.Expiry.After(time.Now().Add(time.Minute)) {
		s.cached = tok
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return nil, platform.NewError(platform.ErrKindAuthentication, "token refresh", "access token expired and no refresh token stored for %s", s.platformID)
	}

	cfg := &oauth2.Config{
		ClientID:     creds[FieldClientID],
		ClientSecret: creds[FieldClientSecret],
		Endpoint:     s.endpoint,
	}
	fresh, err := cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			return nil, platform.WrapError(platform.ErrKindAuthentication, "token refresh", err)
		}
		return nil, platform.WrapError(platform.ErrKindTransient, "token refresh", err)
	}

	update := map[string]string{
		FieldAccessToken: fresh.AccessToken,
		FieldExpiresAt:   fresh.Expiry.UTC().Format(time.RFC3339),
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != tok.RefreshToken {
		update[FieldRefreshToken] = fresh.RefreshToken
	}
	if err := s.vault.Store(ctx, s.platformID, update); err != nil {
		s.logger.Warn("failed to persist refreshed token", "platform_id", s.platformID, "error", err)
	}

	s.logger.Info("access token refreshed", "platform_id", s.platformID, "expires_at", fresh.Expiry.UTC().Format(time.RFC3339))
	s.cached = fresh
	return fresh, nil
}

// Invalidate drops the cached token so the next call re-reads the vault.
func (s *VaultTokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
