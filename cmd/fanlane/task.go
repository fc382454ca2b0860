package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/lumenhq/fanlane/internal/config"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fanlane task <submit|get|list> [flags]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "submit":
		return taskSubmit(ctx, cfg, args[1:])
	case "get":
		return taskGet(ctx, cfg, args[1:])
	case "list":
		return taskList(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 2
	}
}

func taskSubmit(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("task submit", flag.ContinueOnError)
	platformID := fs.String("platform-id", "", "account the task targets")
	taskType := fs.String("type", "", "task type, e.g. POST_CONTENT")
	payload := fs.String("payload", "{}", "JSON payload for the task")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *platformID == "" || *taskType == "" {
		fmt.Fprintln(os.Stderr, "task submit requires -platform-id and -type")
		return 2
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "-payload must be valid JSON")
		return 2
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"platform_id": mustJSON(*platformID),
		"task_type":   mustJSON(*taskType),
		"payload":     json.RawMessage(*payload),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode request: %v\n", err)
		return 1
	}
	return printGatewayResponse(ctx, cfg, http.MethodPost, "/api/tasks", body)
}

func taskGet(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: fanlane task get <task-id>")
		return 2
	}
	return printGatewayResponse(ctx, cfg, http.MethodGet, "/api/tasks/"+url.PathEscape(args[0]), nil)
}

func taskList(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	platformID := fs.String("platform-id", "", "filter by account")
	limit := fs.Int("limit", 20, "maximum tasks to return")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	q := url.Values{}
	if *platformID != "" {
		q.Set("platform_id", *platformID)
	}
	q.Set("limit", strconv.Itoa(*limit))
	return printGatewayResponse(ctx, cfg, http.MethodGet, "/api/tasks?"+q.Encode(), nil)
}

func printGatewayResponse(ctx context.Context, cfg config.Config, method, path string, body []byte) int {
	resp, err := gatewayRequest(ctx, cfg, method, path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", cfg.Gateway.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimSpace(string(raw)))
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
