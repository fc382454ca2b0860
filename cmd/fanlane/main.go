package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lumenhq/fanlane/internal/adapters/fanforge"
	"github.com/lumenhq/fanlane/internal/adapters/patreon"
	"github.com/lumenhq/fanlane/internal/audit"
	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/channels"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/dispatcher"
	"github.com/lumenhq/fanlane/internal/gateway"
	otelPkg "github.com/lumenhq/fanlane/internal/otel"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/poller"
	"github.com/lumenhq/fanlane/internal/session"
	"github.com/lumenhq/fanlane/internal/telemetry"
	"github.com/lumenhq/fanlane/internal/vault"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the execution daemon (gateway, scheduler, channels)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s task <action>            Submit and inspect tasks
                              Actions: submit, get, list
  %s vault <action>           Manage encrypted platform credentials
                              Actions: set, get, delete
  %s session capture          Capture a browser session for an account
  %s poll -platform-id <id>   Trigger an activity poll on the running daemon
  %s doctor [-json]           Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FANLANE_HOME            Data directory (default: ~/.fanlane)
  FANLANE_VAULT_SECRET    Master secret for the credential vault (required)
  FANLANE_AUTH_TOKEN      Gateway bearer token override

EXAMPLES:
  Run the daemon:         %s daemon
  Store credentials:      %s vault set acct-1 access_token=... refresh_token=...
  Submit a post:          %s task submit -platform-id acct-1 -type POST_CONTENT -payload '{"content":"hi"}'
  Check daemon health:    %s status
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "daemon":
		os.Exit(runDaemon(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "task":
		os.Exit(runTaskCommand(ctx, args[1:]))
	case "vault":
		os.Exit(runVaultCommand(ctx, args[1:]))
	case "session":
		os.Exit(runSessionCommand(ctx, args[1:]))
	case "poll":
		os.Exit(runPollCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	tel := &otelPkg.Telemetry{Tracer: otelProvider.Tracer, Metrics: metrics}
	go observeMetrics(ctx, eventBus, metrics)

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "fanlane.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	secret, err := cfg.VaultSecret()
	if err != nil {
		fatalStartup(logger, "E_VAULT_SECRET", err)
	}
	credVault, err := vault.New(secret, store, logger)
	if err != nil {
		fatalStartup(logger, "E_VAULT_INIT", err)
	}

	selectors, err := config.LoadSelectors(cfg.SelectorsPath)
	if err != nil {
		fatalStartup(logger, "E_SELECTORS_LOAD", err)
	}
	sessions, err := session.NewManager(cfg.Browser, selectors, cfg.Accounts, credVault, eventBus, logger, nil, tel)
	if err != nil {
		fatalStartup(logger, "E_SESSION_MANAGER", err)
	}
	defer sessions.Close()

	registry := platform.NewRegistry()
	if err := registry.Register(patreon.New(credVault, cfg.Retry, logger, patreon.Options{Bus: eventBus})); err != nil {
		fatalStartup(logger, "E_ADAPTER_REGISTER", err)
	}
	if err := registry.Register(fanforge.New(sessions, logger)); err != nil {
		fatalStartup(logger, "E_ADAPTER_REGISTER", err)
	}
	warmAdapters(ctx, cfg, registry, credVault, logger)

	disp, err := dispatcher.New(store, registry, cfg, eventBus, logger, tel)
	if err != nil {
		fatalStartup(logger, "E_DISPATCHER_INIT", err)
	}

	activityPoller := poller.New(store, registry, cfg, eventBus, logger, tel)
	pollSched, err := poller.NewScheduler(poller.SchedulerConfig{
		Poller:    activityPoller,
		Schedules: cfg.Schedules,
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	pollSched.Start(ctx)
	defer pollSched.Stop()

	// Selector packs hot-reload without a restart.
	confWatcher := config.NewWatcher(cfg.HomeDir, cfg.SelectorsPath, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case filepath.Base(cfg.SelectorsPath):
				packs, err := config.LoadSelectors(cfg.SelectorsPath)
				if err != nil {
					logger.Error("selector reload rejected; retaining previous packs", "error", err)
					continue
				}
				sessions.SetSelectors(packs)
				logger.Info("selector packs hot-reloaded", "platforms", len(packs))
			case "config.yaml":
				logger.Info("config.yaml changed; accounts and schedules apply on restart")
			}
		}
	}()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Telegram, store, eventBus, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	serverErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		authToken, err := loadAuthToken(cfg)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		gw := gateway.New(gateway.Config{
			Store:     store,
			Executor:  disp,
			Poller:    activityPoller,
			Bus:       eventBus,
			Logger:    logger,
			AuthToken: authToken,
		})
		go func() {
			serverErr <- gw.Serve(ctx, cfg.Gateway.BindAddr)
		}()
	}

	logger.Info("startup phase", "phase", "daemon_ready",
		"accounts", len(cfg.Accounts),
		"schedules", len(cfg.Schedules),
		"gateway", cfg.Gateway.Enabled,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("gateway server error", "error", err)
			return 1
		}
	}
	logger.Info("shutdown complete")
	return 0
}

// warmAdapters initializes every configured account against its adapter so
// credential problems surface at startup instead of on the first task.
func warmAdapters(ctx context.Context, cfg config.Config, registry *platform.Registry, credVault *vault.Vault, logger *slog.Logger) {
	for _, acct := range cfg.Accounts {
		adapter := registry.Get(acct.Platform)
		if adapter == nil {
			logger.Warn("account references unknown platform", "platform_id", acct.PlatformID, "platform", acct.Platform)
			continue
		}
		creds, err := credVault.Get(ctx, acct.PlatformID)
		if err != nil {
			logger.Warn("credentials unavailable for account", "platform_id", acct.PlatformID, "error", err)
			continue
		}
		if !adapter.ValidateCredentials(creds) {
			logger.Warn("stored credentials incomplete",
				"platform_id", acct.PlatformID,
				"required", adapter.CredentialRequirements(),
			)
			continue
		}
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = adapter.Initialize(initCtx, acct.PlatformID, creds)
		cancel()
		if err != nil {
			logger.Warn("adapter initialization failed", "platform_id", acct.PlatformID, "error", err)
			continue
		}
		logger.Info("account ready", "platform_id", acct.PlatformID, "platform", acct.Platform)
	}
}

// observeMetrics bridges bus events into OTel instruments.
func observeMetrics(ctx context.Context, eventBus *bus.Bus, m *otelPkg.Metrics) {
	taskSub := eventBus.Subscribe("task.")
	pollSub := eventBus.Subscribe(bus.TopicActivityPoll)
	sessionSub := eventBus.Subscribe("session.")
	defer eventBus.Unsubscribe(taskSub)
	defer eventBus.Unsubscribe(pollSub)
	defer eventBus.Unsubscribe(sessionSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-taskSub.Ch():
			switch ev.Topic {
			case bus.TopicTaskCompleted:
				m.TasksExecuted.Add(ctx, 1)
			case bus.TopicTaskFailed:
				m.TasksExecuted.Add(ctx, 1)
				m.TasksFailed.Add(ctx, 1)
			case bus.TopicTaskRetrying:
				m.APIRetries.Add(ctx, 1)
			}
		case ev := <-pollSub.Ch():
			if pe, ok := ev.Payload.(bus.ActivityPollEvent); ok {
				m.ActivityEvents.Add(ctx, int64(pe.Emitted))
			}
		case ev := <-sessionSub.Ch():
			switch ev.Topic {
			case bus.TopicSessionCaptured:
				m.SessionsCaptured.Add(ctx, 1)
			case bus.TopicSessionRecaptureNeeded:
				m.SessionRecaptures.Add(ctx, 1)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the gateway bearer token: env override, then
// config.yaml, then a generated auth.token file persisted on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("FANLANE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	if cfg.Gateway.AuthToken != "" {
		return cfg.Gateway.AuthToken, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// gatewayRequest issues an authenticated request against the running daemon.
func gatewayRequest(ctx context.Context, cfg config.Config, method, path string, body []byte) (*http.Response, error) {
	token, err := loadAuthToken(cfg)
	if err != nil {
		return nil, err
	}
	url := "http://" + cfg.Gateway.BindAddr + path
	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	req, err := http.NewRequestWithContext(reqCtx, method, url, newBodyReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The cancel runs when the caller closes the body.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
