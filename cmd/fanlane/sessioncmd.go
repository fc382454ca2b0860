package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/session"
)

func runSessionCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fanlane session <capture|invalidate> [flags]")
		return 2
	}
	switch strings.ToLower(args[0]) {
	case "capture":
		return sessionCapture(ctx, args[1:])
	case "invalidate":
		return sessionInvalidate(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown session action %q\n", args[0])
		return 2
	}
}

// sessionCapture runs a fresh browser login for the account and stores the
// resulting session state in the vault. Login credentials come from the
// environment variables named in the account's config, never from flags.
func sessionCapture(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("session capture", flag.ContinueOnError)
	platformID := fs.String("platform-id", "", "account to capture a session for")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *platformID == "" {
		fmt.Fprintln(os.Stderr, "session capture requires -platform-id")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	acct := cfg.Account(*platformID)
	if acct == nil {
		fmt.Fprintf(os.Stderr, "no account %q in config.yaml\n", *platformID)
		return 1
	}
	if acct.LoginUserEnv == "" || acct.LoginPassEnv == "" {
		fmt.Fprintf(os.Stderr, "account %q has no login_user_env/login_pass_env configured\n", *platformID)
		return 1
	}
	username := os.Getenv(acct.LoginUserEnv)
	password := os.Getenv(acct.LoginPassEnv)
	if username == "" || password == "" {
		fmt.Fprintf(os.Stderr, "set %s and %s before capturing\n", acct.LoginUserEnv, acct.LoginPassEnv)
		return 1
	}

	credVault, store, err := openVault(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer store.Close()

	selectors, err := config.LoadSelectors(cfg.SelectorsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load selectors: %v\n", err)
		return 1
	}
	sessions, err := session.NewManager(cfg.Browser, selectors, cfg.Accounts, credVault, bus.New(), slog.Default(), nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start browser manager: %v\n", err)
		return 1
	}
	defer sessions.Close()

	if err := sessions.Capture(ctx, *platformID, acct.Platform, username, password); err != nil {
		fmt.Fprintf(os.Stderr, "capture failed: %v\n", err)
		return 1
	}
	fmt.Printf("session captured for %s\n", *platformID)
	return 0
}

func sessionInvalidate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("session invalidate", flag.ContinueOnError)
	platformID := fs.String("platform-id", "", "account whose session to invalidate")
	reason := fs.String("reason", "operator request", "reason recorded with the invalidation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *platformID == "" {
		fmt.Fprintln(os.Stderr, "session invalidate requires -platform-id")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	credVault, store, err := openVault(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer store.Close()

	selectors, err := config.LoadSelectors(cfg.SelectorsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load selectors: %v\n", err)
		return 1
	}
	sessions, err := session.NewManager(cfg.Browser, selectors, cfg.Accounts, credVault, bus.New(), slog.Default(), nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start browser manager: %v\n", err)
		return 1
	}
	defer sessions.Close()

	if err := sessions.Invalidate(ctx, *platformID, *reason); err != nil {
		fmt.Fprintf(os.Stderr, "invalidate failed: %v\n", err)
		return 1
	}
	fmt.Printf("session invalidated for %s\n", *platformID)
	return 0
}
