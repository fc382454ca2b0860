package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/lumenhq/fanlane/internal/config"
)

// runPollCommand triggers an activity poll on the running daemon.
func runPollCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	platformID := fs.String("platform-id", "", "account to poll")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *platformID == "" {
		fmt.Fprintln(os.Stderr, "poll requires -platform-id")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	q := url.Values{}
	q.Set("platform_id", *platformID)
	return printGatewayResponse(ctx, cfg, http.MethodPost, "/api/poll?"+q.Encode(), nil)
}
