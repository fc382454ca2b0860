package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lumenhq/fanlane/internal/config"
)

// runStatusCommand queries the running daemon's health endpoint and prints
// the response body. Exits non-zero when the daemon is unreachable or
// reports anything other than 200.
func runStatusCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	url := "http://" + cfg.Gateway.BindAddr + "/healthz"
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", cfg.Gateway.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		return 1
	}
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
