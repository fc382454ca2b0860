package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets FANLANE_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FANLANE_HOME", home)
	yaml := "gateway:\n  bind_addr: \"" + addr + "\"\n"
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
