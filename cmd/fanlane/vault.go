package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lumenhq/fanlane/internal/audit"
	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/vault"
)

// runVaultCommand manages credentials directly against the local store.
// It opens the database itself rather than going through the gateway so
// secrets never transit HTTP.
func runVaultCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fanlane vault <set|get|delete> <platform-id> [key=value ...]")
		return 2
	}
	action := strings.ToLower(args[0])
	platformID := args[1]

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

	switch action {
	case "set":
		fields := make(map[string]string)
		for _, pair := range args[2:] {
			eq := strings.Index(pair, "=")
			if eq <= 0 {
				fmt.Fprintf(os.Stderr, "invalid field %q, expected key=value\n", pair)
				return 2
			}
			fields[pair[:eq]] = pair[eq+1:]
		}
		if len(fields) == 0 {
			fmt.Fprintln(os.Stderr, "vault set requires at least one key=value field")
			return 2
		}
		if err := credVault.Store(ctx, platformID, fields); err != nil {
			fmt.Fprintf(os.Stderr, "failed to store credentials: %v\n", err)
			return 1
		}
		fmt.Printf("stored %d field(s) for %s\n", len(fields), platformID)
		return 0
	case "get":
		fields, err := credVault.Get(ctx, platformID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read credentials: %v\n", err)
			return 1
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// Values stay redacted on stdout; only field names are shown.
		for _, k := range keys {
			fmt.Printf("%s=<set>\n", k)
		}
		return 0
	case "delete":
		if err := credVault.Delete(ctx, platformID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete credentials: %v\n", err)
			return 1
		}
		fmt.Printf("deleted credentials for %s\n", platformID)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown vault action %q\n", action)
		return 2
	}
}

func openVault(cfg config.Config) (*vault.Vault, *persistence.Store, error) {
	secret, err := cfg.VaultSecret()
	if err != nil {
		return nil, nil, err
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "fanlane.db"), bus.New())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	credVault, err := vault.New(secret, store, slog.Default())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return credVault, store, nil
}
