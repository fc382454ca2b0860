// Package doctor runs environment diagnostics for the fanlane CLI.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkVaultSecret,
		checkDatabase,
		checkPermissions,
		checkBrowser,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if len(cfg.Accounts) == 0 {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("Loaded from %s, but no accounts configured", cfg.HomeDir),
			Detail:  "Add accounts to config.yaml before submitting tasks",
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s (%d accounts, %d schedules)", cfg.HomeDir, len(cfg.Accounts), len(cfg.Schedules)),
	}
}

func checkVaultSecret(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Vault Secret", Status: "SKIP", Message: "Config missing"}
	}
	envVar := cfg.VaultSecretEnv
	if envVar == "" {
		envVar = "FANLANE_VAULT_SECRET"
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "Vault Secret", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "Vault Secret",
		Status:  "FAIL",
		Message: fmt.Sprintf("%s not set", envVar),
		Detail:  "The credential vault cannot decrypt anything without it",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "fanlane.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListTasks(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkBrowser verifies the configured session launcher can actually start
// an automation engine.
func checkBrowser(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Browser", Status: "SKIP", Message: "Config missing"}
	}
	switch cfg.Browser.Launcher {
	case "docker":
		if _, err := exec.LookPath("docker"); err != nil {
			return CheckResult{Name: "Browser", Status: "FAIL", Message: "docker binary not found", Detail: "Required for launcher: docker"}
		}
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			return CheckResult{Name: "Browser", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Browser", Status: "PASS", Message: fmt.Sprintf("docker launcher ready (image %s)", cfg.Browser.Image)}
	case "remote":
		if cfg.Browser.RemoteWS == "" {
			return CheckResult{Name: "Browser", Status: "FAIL", Message: "remote launcher configured without remote_ws"}
		}
		return CheckResult{Name: "Browser", Status: "PASS", Message: fmt.Sprintf("remote launcher at %s", cfg.Browser.RemoteWS)}
	default:
		for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
			if _, err := exec.LookPath(name); err == nil {
				return CheckResult{Name: "Browser", Status: "PASS", Message: fmt.Sprintf("local launcher found %s", name)}
			}
		}
		return CheckResult{
			Name:    "Browser",
			Status:  "WARN",
			Message: "no Chrome binary on PATH",
			Detail:  "Session capture will fail until Chrome or chromium is installed, or launcher is switched to docker",
		}
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "www.patreon.com"
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
