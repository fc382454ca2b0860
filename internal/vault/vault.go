// Package vault stores per-platform secrets under authenticated encryption.
// Each field is encrypted independently with AES-256-GCM; the key is derived
// once at construction from the configured master secret via scrypt.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/lumenhq/fanlane/internal/audit"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/shared"
	"golang.org/x/crypto/scrypt"
)

const (
	// derivationSalt is fixed: the master secret is the only input that must
	// stay private, and a fixed salt keeps the derived key stable across
	// restarts without persisting key material.
	derivationSalt = "fanlane-credential-vault-v1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
)

// Vault encrypts, decrypts and persists credential fields for platform accounts.
type Vault struct {
	aead   cipher.AEAD
	store  *persistence.Store
	logger *slog.Logger
}

// New derives the encryption key from the master secret and returns a Vault
// backed by the given store.
func New(masterSecret string, store *persistence.Store, logger *slog.Logger) (*Vault, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("vault: master secret is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	key, err := scrypt.Key([]byte(masterSecret), []byte(derivationSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead, store: store, logger: logger}, nil
}

// Store encrypts each field independently and upserts it. Storing the same key
// twice overwrites the previous row, so exactly one record exists per
// (platform_id, key).
func (v *Vault) Store(ctx context.Context, platformID string, fields map[string]string) error {
	if platformID == "" {
		return fmt.Errorf("vault: platform id is empty")
	}
	for key, plaintext := range fields {
		ciphertext, iv, tag, err := v.encrypt([]byte(plaintext))
		if err != nil {
			audit.Record("vault.store", platformID, "failure", err.Error(), shared.TraceID(ctx))
			return fmt.Errorf("vault: encrypt %s/%s: %w", platformID, key, err)
		}
		rec := persistence.CredentialRecord{
			PlatformID: platformID,
			Key:        key,
			Ciphertext: hex.EncodeToString(ciphertext),
			IV:         hex.EncodeToString(iv),
			AuthTag:    hex.EncodeToString(tag),
		}
		if err := v.store.UpsertCredential(ctx, rec); err != nil {
			audit.Record("vault.store", platformID, "failure", err.Error(), shared.TraceID(ctx))
			return fmt.Errorf("vault: store unavailable: %w", err)
		}
	}
	audit.Record("vault.store", platformID, "success", fmt.Sprintf("%d field(s)", len(fields)), shared.TraceID(ctx))
	return nil
}

// Get decrypts every stored field for the platform account. A field whose
// ciphertext or auth tag fails authentication is treated as tampered: it is
// logged and dropped from the result so one corrupt secret cannot break an
// otherwise functional integration. Datastore errors propagate.
func (v *Vault) Get(ctx context.Context, platformID string) (map[string]string, error) {
	recs, err := v.store.ListCredentials(ctx, platformID)
	if err != nil {
		audit.Record("vault.get", platformID, "failure", err.Error(), shared.TraceID(ctx))
		return nil, fmt.Errorf("vault: store unavailable: %w", err)
	}
	audit.Record("vault.get", platformID, "success", "", shared.TraceID(ctx))
	out := make(map[string]string, len(recs))
	for _, rec := range recs {
		plaintext, err := v.decryptRecord(rec)
		if err != nil {
			v.logger.Warn("vault: dropping undecryptable field",
				"platform_id", rec.PlatformID,
				"field", rec.Key,
				"error", err,
			)
			continue
		}
		out[rec.Key] = string(plaintext)
	}
	return out, nil
}

// GetField decrypts a single stored field. Returns ("", false, nil) when the
// field is absent or fails authentication.
func (v *Vault) GetField(ctx context.Context, platformID, key string) (string, bool, error) {
	fields, err := v.Get(ctx, platformID)
	if err != nil {
		return "", false, err
	}
	val, ok := fields[key]
	return val, ok, nil
}

// Delete removes every stored field for the platform account.
func (v *Vault) Delete(ctx context.Context, platformID string) error {
	if err := v.store.DeleteCredentials(ctx, platformID); err != nil {
		audit.Record("vault.delete", platformID, "failure", err.Error(), shared.TraceID(ctx))
		return fmt.Errorf("vault: store unavailable: %w", err)
	}
	audit.Record("vault.delete", platformID, "success", "", shared.TraceID(ctx))
	return nil
}

// encrypt seals plaintext under a fresh random nonce and returns the raw
// ciphertext, nonce and auth tag as separate values for storage.
func (v *Vault) encrypt(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	iv = make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag to the ciphertext; split it out to store alongside.
	ciphertext = sealed[:len(sealed)-tagLen]
	tag = sealed[len(sealed)-tagLen:]
	return ciphertext, iv, tag, nil
}

func (v *Vault) decryptRecord(rec persistence.CredentialRecord) ([]byte, error) {
	ciphertext, err := hex.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(rec.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := hex.DecodeString(rec.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	if len(iv) != nonceLen || len(tag) != tagLen {
		return nil, fmt.Errorf("malformed record: iv %d bytes, tag %d bytes", len(iv), len(tag))
	}
	plaintext, err := v.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return plaintext, nil
}
