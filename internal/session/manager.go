package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/otel"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/vault"
)

// Manager owns browser sessions for every browser-backed account. It enforces
// one live lease per account, pools engines in an LRU whose eviction closes
// the browser, and persists captured state through the vault.
type Manager struct {
	cfg      config.BrowserConfig
	accounts map[string]config.AccountConfig
	vault    *vault.Vault
	bus      *bus.Bus
	logger   *slog.Logger
	launcher Launcher
	tel      *otel.Telemetry

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	engines *lru.Cache[string, Engine]

	selMu     sync.RWMutex
	selectors map[string]config.SelectorPack
}

// NewManager builds a session manager. The launcher is chosen from cfg when
// nil: "local" exec, "docker" headless-shell container, or "remote" endpoint.
// Accounts supply the login env var names used for automated re-login.
func NewManager(cfg config.BrowserConfig, selectors map[string]config.SelectorPack, accounts []config.AccountConfig, v *vault.Vault, b *bus.Bus, logger *slog.Logger, launcher Launcher, tel *otel.Telemetry) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		var err error
		launcher, err = launcherFromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	maxEngines := cfg.MaxEngines
	if maxEngines <= 0 {
		maxEngines = 4
	}
	engines, err := lru.NewWithEvict(maxEngines, func(platformID string, eng Engine) {
		if err := eng.Close(); err != nil {
			logger.Warn("failed to close evicted browser engine", "platform_id", platformID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("session: engine pool: %w", err)
	}
	acctIndex := make(map[string]config.AccountConfig, len(accounts))
	for _, a := range accounts {
		acctIndex[a.PlatformID] = a
	}
	return &Manager{
		cfg:       cfg,
		accounts:  acctIndex,
		vault:     v,
		bus:       b,
		logger:    logger,
		launcher:  launcher,
		tel:       tel,
		locks:     make(map[string]*sync.Mutex),
		engines:   engines,
		selectors: selectors,
	}, nil
}

func launcherFromConfig(cfg config.BrowserConfig, logger *slog.Logger) (Launcher, error) {
	switch cfg.Launcher {
	case "", "local":
		return LocalLauncher{}, nil
	case "docker":
		return NewDockerLauncher(cfg.Image, logger)
	case "remote":
		return RemoteLauncher{WSURL: cfg.RemoteWS}, nil
	default:
		return nil, fmt.Errorf("session: unknown launcher %q", cfg.Launcher)
	}
}

// SetSelectors swaps in reloaded selector packs.
func (m *Manager) SetSelectors(packs map[string]config.SelectorPack) {
	m.selMu.Lock()
	m.selectors = packs
	m.selMu.Unlock()
}

// Selectors returns the pack for a platform type.
func (m *Manager) Selectors(platformType string) (config.SelectorPack, error) {
	m.selMu.RLock()
	defer m.selMu.RUnlock()
	pack, ok := m.selectors[platformType]
	if !ok {
		return config.SelectorPack{}, platform.NewError(platform.ErrKindValidation, "selectors", "no selector pack for platform %q", platformType)
	}
	return pack, nil
}

// lockFor returns the mutex serializing one account's browser usage.
func (m *Manager) lockFor(platformID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[platformID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[platformID] = l
	}
	return l
}

func (m *Manager) engineFor(ctx context.Context, platformID string) (Engine, error) {
	m.mu.Lock()
	if eng, ok := m.engines.Get(platformID); ok {
		m.mu.Unlock()
		return eng, nil
	}
	m.mu.Unlock()

	eng, err := m.launcher.Launch(ctx, platformID)
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindTransient, "launch browser", err)
	}
	m.mu.Lock()
	m.engines.Add(platformID, eng)
	m.mu.Unlock()
	return eng, nil
}

// dropEngine removes and closes a misbehaving engine.
func (m *Manager) dropEngine(platformID string) {
	m.mu.Lock()
	m.engines.Remove(platformID)
	m.mu.Unlock()
}

// Capture performs an interactive login and stores the resulting session
// state in the vault, replacing any previous session for the account.
func (m *Manager) Capture(ctx context.Context, platformID, platformType, username, password string) error {
	sel, err := m.Selectors(platformType)
	if err != nil {
		return err
	}
	if username == "" || password == "" {
		return platform.NewError(platform.ErrKindValidation, "capture", "username and password are required")
	}

	lock := m.lockFor(platformID)
	lock.Lock()
	defer lock.Unlock()

	eng, err := m.engineFor(ctx, platformID)
	if err != nil {
		return err
	}
	page, err := eng.NewPage(ctx)
	if err != nil {
		m.dropEngine(platformID)
		return platform.WrapError(platform.ErrKindTransient, "open page", err)
	}
	defer page.Close()

	if err := m.login(ctx, page, sel, username, password); err != nil {
		m.screenshot(ctx, page, platformID, "login_failed")
		return err
	}

	rec, err := m.snapshot(ctx, page, platformID)
	if err != nil {
		return err
	}

	m.publish(bus.TopicSessionCaptured, platformID, "captured")
	m.logger.Info("session captured", "platform_id", platformID, "cookies", len(rec.Cookies))
	return nil
}

// snapshot reads the page's live session state and persists it as the
// account's stored record.
func (m *Manager) snapshot(ctx context.Context, page Page, platformID string) (*Record, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindTransient, "read cookies", err)
	}
	storage, err := page.LocalStorage(ctx)
	if err != nil {
		m.logger.Warn("failed to read local storage during capture", "platform_id", platformID, "error", err)
		storage = nil
	}
	ua, _ := page.UserAgent(ctx)

	now := time.Now().UTC()
	rec := &Record{
		PlatformID:      platformID,
		Cookies:         cookies,
		LocalStorage:    storage,
		UserAgent:       ua,
		CapturedAt:      now,
		LastValidatedAt: now,
	}
	blob, err := rec.Encode()
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindInternal, "encode session", err)
	}
	if err := m.vault.Store(ctx, platformID, map[string]string{VaultField: blob}); err != nil {
		return nil, platform.WrapError(platform.ErrKindEncryption, "store session", err)
	}
	return rec, nil
}

func (m *Manager) login(ctx context.Context, page Page, sel config.SelectorPack, username, password string) error {
	if sel.LoginURL == "" || sel.UsernameField == "" || sel.PasswordField == "" || sel.LoginButton == "" {
		return platform.NewError(platform.ErrKindValidation, "login", "selector pack is missing login selectors")
	}
	if err := page.Navigate(ctx, sel.LoginURL); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "open login page", err)
	}
	if err := page.WaitVisible(ctx, sel.UsernameField); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "wait login form", err)
	}
	if err := page.Type(ctx, sel.UsernameField, username); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "enter username", err)
	}
	if err := page.Type(ctx, sel.PasswordField, password); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "enter password", err)
	}
	if err := page.Click(ctx, sel.LoginButton); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "submit login", err)
	}
	if err := page.WaitVisible(ctx, sel.LoggedInMarker); err != nil {
		return platform.NewError(platform.ErrKindAuthentication, "login", "logged-in marker never appeared")
	}
	return nil
}

// Lease is a held browser session. The account stays locked until Release.
type Lease struct {
	PlatformID string
	page       Page
	release    func()
	once       sync.Once
}

// Page returns the restored, validated page.
func (l *Lease) Page() Page { return l.page }

// Release closes the page and unlocks the account.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.page.Close()
		l.release()
	})
}

// Acquire restores the stored session into a pooled engine, validates it
// against the logged-in marker, and returns an exclusive lease. When the
// stored session fails the probe and the account carries login env vars, a
// full re-login is attempted in place. Otherwise an invalid, expired or
// missing session fails with SESSION_INVALID and announces that a recapture
// is needed.
func (m *Manager) Acquire(ctx context.Context, platformID, platformType string) (*Lease, error) {
	ctx, span := m.tel.Span(ctx, "session.acquire", otel.AttrPlatformID.String(platformID))
	defer span.End()

	sel, err := m.Selectors(platformType)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(platformID)
	lock.Lock()
	lease, err := m.acquireLocked(ctx, platformID, sel, lock)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return lease, nil
}

func (m *Manager) acquireLocked(ctx context.Context, platformID string, sel config.SelectorPack, lock *sync.Mutex) (*Lease, error) {
	blob, ok, err := m.vault.GetField(ctx, platformID, VaultField)
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindEncryption, "load session", err)
	}
	if !ok || blob == "" {
		m.publish(bus.TopicSessionRecaptureNeeded, platformID, "no_session")
		return nil, platform.NewError(platform.ErrKindSessionInvalid, "acquire", "no captured session for %s", platformID)
	}
	rec, err := DecodeRecord(blob)
	if err != nil {
		m.publish(bus.TopicSessionRecaptureNeeded, platformID, "corrupt_record")
		return nil, platform.WrapError(platform.ErrKindSessionInvalid, "acquire", err)
	}
	if maxAge := m.maxAge(); maxAge > 0 && rec.Age() > maxAge {
		m.publish(bus.TopicSessionRecaptureNeeded, platformID, "max_age")
		return nil, platform.NewError(platform.ErrKindSessionInvalid, "acquire", "session for %s exceeded max age", platformID)
	}

	eng, err := m.engineFor(ctx, platformID)
	if err != nil {
		return nil, err
	}
	page, err := eng.NewPage(ctx)
	if err != nil {
		m.dropEngine(platformID)
		return nil, platform.WrapError(platform.ErrKindTransient, "open page", err)
	}

	if err := m.restore(ctx, page, sel, rec); err != nil {
		if platform.KindOf(err) == platform.ErrKindSessionInvalid {
			lease, rlErr := m.relogin(ctx, page, platformID, sel, lock)
			if rlErr == nil {
				return lease, nil
			}
			m.logger.Warn("automated re-login failed", "platform_id", platformID, "error", rlErr)
		}
		m.screenshot(ctx, page, platformID, "restore_failed")
		page.Close()
		m.publish(bus.TopicSessionRecaptureNeeded, platformID, "probe_failed")
		return nil, err
	}

	rec.LastValidatedAt = time.Now().UTC()
	if encoded, encErr := rec.Encode(); encErr == nil {
		if err := m.vault.Store(ctx, platformID, map[string]string{VaultField: encoded}); err != nil {
			m.logger.Warn("failed to persist session validation time", "platform_id", platformID, "error", err)
		}
	}

	return m.newLease(platformID, page, lock), nil
}

// newLease pairs the validated page with the held account lock.
func (m *Manager) newLease(platformID string, page Page, lock *sync.Mutex) *Lease {
	m.tel.LeaseAcquired(context.Background())
	return &Lease{
		PlatformID: platformID,
		page:       page,
		release: func() {
			m.tel.LeaseReleased(context.Background())
			lock.Unlock()
		},
	}
}

// relogin reruns the full login flow on the already-open page after a stored
// session fails its probe, then persists the refreshed session state. It
// requires the account's login env vars to be configured and set.
func (m *Manager) relogin(ctx context.Context, page Page, platformID string, sel config.SelectorPack, lock *sync.Mutex) (*Lease, error) {
	acct, ok := m.accounts[platformID]
	if !ok || acct.LoginUserEnv == "" || acct.LoginPassEnv == "" {
		return nil, platform.NewError(platform.ErrKindSessionInvalid, "relogin", "no login credentials configured for %s", platformID)
	}
	username := os.Getenv(acct.LoginUserEnv)
	password := os.Getenv(acct.LoginPassEnv)
	if username == "" || password == "" {
		return nil, platform.NewError(platform.ErrKindSessionInvalid, "relogin", "login credential env vars for %s are unset", platformID)
	}
	if err := m.login(ctx, page, sel, username, password); err != nil {
		return nil, err
	}
	if _, err := m.snapshot(ctx, page, platformID); err != nil {
		m.logger.Warn("failed to persist refreshed session", "platform_id", platformID, "error", err)
	}
	m.publish(bus.TopicSessionCaptured, platformID, "relogin")
	m.logger.Info("session refreshed by automated re-login", "platform_id", platformID)
	return m.newLease(platformID, page, lock), nil
}

// restore injects cookies and local storage, then probes the logged-in marker.
func (m *Manager) restore(ctx context.Context, page Page, sel config.SelectorPack, rec *Record) error {
	if rec.UserAgent != "" {
		if err := page.SetUserAgent(ctx, rec.UserAgent); err != nil {
			return platform.WrapError(platform.ErrKindTransient, "apply user agent", err)
		}
	}
	if err := page.SetCookies(ctx, rec.Cookies); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "inject cookies", err)
	}
	if err := page.Navigate(ctx, sel.HomeURL); err != nil {
		return platform.WrapError(platform.ErrKindTransient, "open home page", err)
	}
	if len(rec.LocalStorage) > 0 {
		if err := page.SetLocalStorage(ctx, rec.LocalStorage); err != nil {
			return platform.WrapError(platform.ErrKindTransient, "inject local storage", err)
		}
		// Reload so scripts see the restored storage.
		if err := page.Navigate(ctx, sel.HomeURL); err != nil {
			return platform.WrapError(platform.ErrKindTransient, "reload home page", err)
		}
	}
	loggedIn, err := page.Exists(ctx, sel.LoggedInMarker)
	if err != nil {
		return platform.WrapError(platform.ErrKindTransient, "probe session", err)
	}
	if !loggedIn {
		return platform.NewError(platform.ErrKindSessionInvalid, "acquire", "platform no longer honors the stored session")
	}
	return nil
}

// Invalidate discards the stored session and announces that a recapture is
// needed.
func (m *Manager) Invalidate(ctx context.Context, platformID, reason string) error {
	if err := m.vault.Store(ctx, platformID, map[string]string{VaultField: ""}); err != nil {
		return platform.WrapError(platform.ErrKindEncryption, "invalidate session", err)
	}
	m.publish(bus.TopicSessionInvalidated, platformID, reason)
	m.publish(bus.TopicSessionRecaptureNeeded, platformID, reason)
	m.logger.Info("session invalidated", "platform_id", platformID, "reason", reason)
	return nil
}

// Close shuts down every pooled engine.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines.Purge()
}

func (m *Manager) maxAge() time.Duration {
	if m.cfg.SessionMaxAgeHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(m.cfg.SessionMaxAgeHours) * time.Hour
}

func (m *Manager) publish(topic, platformID, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.SessionEvent{PlatformID: platformID, Reason: reason})
}

// screenshot saves a diagnostic capture; failures here are log-only.
func (m *Manager) screenshot(ctx context.Context, page Page, platformID, stage string) {
	if m.cfg.ScreenshotDir == "" {
		return
	}
	buf, err := page.Screenshot(ctx)
	if err != nil {
		m.logger.Warn("failed to take diagnostic screenshot", "platform_id", platformID, "stage", stage, "error", err)
		return
	}
	if err := os.MkdirAll(m.cfg.ScreenshotDir, 0o755); err != nil {
		m.logger.Warn("failed to create screenshot dir", "error", err)
		return
	}
	name := fmt.Sprintf("%s-%s-%s.png", platformID, stage, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(m.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		m.logger.Warn("failed to write diagnostic screenshot", "path", path, "error", err)
		return
	}
	m.logger.Info("diagnostic screenshot saved", "platform_id", platformID, "stage", stage, "path", path)
}
