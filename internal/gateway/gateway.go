// Package gateway exposes a local HTTP surface for task submission, task
// inspection and a WebSocket firehose of bus events. It is intended for
// loopback use by dashboards and scripts, guarded by a bearer token.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/dispatcher"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/poller"
)

// Executor runs submitted work. Satisfied by *dispatcher.Dispatcher.
type Executor interface {
	ExecuteTask(ctx context.Context, sub dispatcher.Submission) (*persistence.Task, error)
	ExecuteRecommendation(ctx context.Context, rec dispatcher.Recommendation) ([]persistence.Task, error)
}

// ActivityPoller triggers an on-demand activity poll. Satisfied by *poller.Poller.
type ActivityPoller interface {
	Poll(ctx context.Context, platformID string) (poller.Result, error)
}

type Config struct {
	Store    *persistence.Store
	Executor Executor
	Poller   ActivityPoller
	Bus      *bus.Bus
	Logger   *slog.Logger

	// AuthToken guards every endpoint except /healthz. Empty disables auth,
	// which is only sane behind a loopback bind.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only".
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/recommendations", s.handleRecommendations)
	mux.HandleFunc("/api/poll", s.handlePoll)
	return mux
}

// Serve runs the gateway until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListTasks(r.Context(), "", 1); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

// wireEvent is the JSON envelope for firehose frames.
type wireEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	SentAt  string `json:"sent_at"`
}

// handleEvents upgrades to a WebSocket and re-broadcasts every bus event to
// the client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("ws: client connected")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	// The client never sends frames; CloseRead surfaces disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected")
			return
		case ev := <-sub.Ch():
			frame := wireEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

// taskSubmission is the POST /api/tasks request body.
type taskSubmission struct {
	PlatformID string          `json:"platform_id"`
	TaskType   string          `json:"task_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.submitTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), r.URL.Query().Get("platform_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var sub taskSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if sub.PlatformID == "" || sub.TaskType == "" {
		writeError(w, http.StatusBadRequest, "platform_id and task_type are required")
		return
	}
	task, err := s.cfg.Executor.ExecuteTask(r.Context(), dispatcher.Submission{
		PlatformID: sub.PlatformID,
		TaskType:   platform.TaskType(sub.TaskType),
		Payload:    sub.Payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rec dispatcher.Recommendation
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	tasks, err := s.cfg.Executor.ExecuteRecommendation(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	platformID := r.URL.Query().Get("platform_id")
	if platformID == "" {
		writeError(w, http.StatusBadRequest, "platform_id is required")
		return
	}
	res, err := s.cfg.Poller.Poll(r.Context(), platformID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, poller.ErrPollInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	body := map[string]any{
		"platform_id": platformID,
		"emitted":     res.Emitted,
	}
	if res.FetchError != "" {
		body["fetch_error"] = res.FetchError
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
