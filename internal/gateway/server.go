// Package gateway is the HTTP surface of cellagent: chat, the live event
// stream, task decisions and inbound webhooks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/approval"
	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/skills"
	"github.com/cellagent/cellagent/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	keepAliveInterval = 15 * time.Second
)

// Conductor runs one signal.
type Conductor interface {
	Run(ctx context.Context, sig agent.Signal) (*agent.Result, error)
}

// Subscriber hands out live event subscriptions.
type Subscriber interface {
	Subscribe(userID string) *bus.Subscription
}

// Tasks is the task lifecycle the routes drive.
type Tasks interface {
	Create(ctx context.Context, t *store.Task) (*store.Task, error)
	List(ctx context.Context, userID, cellID string) ([]store.Task, error)
	Approve(ctx context.Context, userID, taskID string) (*store.Task, error)
	Reject(ctx context.Context, userID, taskID string) (*store.Task, error)
	Pause(ctx context.Context, userID, taskID string) (*store.Task, error)
	Skip(ctx context.Context, userID, taskID string) (*store.Task, error)
	Resume(ctx context.Context, userID, taskID string) (*store.Task, error)
	Run(ctx context.Context, userID, taskID string) error
	Delete(ctx context.Context, userID, taskID string) error
}

// Webhooks accepts inbound third-party events.
type Webhooks interface {
	HandleGitHub(ctx context.Context, userID, event string, payload json.RawMessage) error
}

// Digest exposes deferred notifications.
type Digest interface {
	Flush(userID string) []notify.Notification
	Pending(userID string) int
}

// SkillCatalog lists loaded skills.
type SkillCatalog interface {
	Loaded() []skills.Info
}

// Deps wires the server. Webhooks, Digest and Skills may be nil, which
// disables their routes.
type Deps struct {
	Conductor Conductor
	Hub       Subscriber
	Tasks     Tasks
	Webhooks  Webhooks
	Digest    Digest
	Skills    SkillCatalog
}

// Config holds listener settings.
type Config struct {
	Host      string
	Port      int
	AuthToken string
	Version   string
}

// Server is the HTTP gateway.
type Server struct {
	cfg     Config
	deps    Deps
	started time.Time
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, started: time.Now()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Status is the unauthenticated health check.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.Handle("POST /api/v1/chat", s.auth(s.handleChat))
	mux.Handle("GET /api/v1/events", s.auth(s.handleEvents))
	mux.Handle("GET /api/v1/tasks", s.auth(s.handleListTasks))
	mux.Handle("POST /api/v1/tasks", s.auth(s.handleCreateTask))
	mux.Handle("DELETE /api/v1/tasks/{id}", s.auth(s.handleDeleteTask))
	mux.Handle("POST /api/v1/tasks/{id}/{action}", s.auth(s.handleTaskAction))
	if s.deps.Digest != nil {
		mux.Handle("GET /api/v1/notifications/digest", s.auth(s.handleDigest))
	}
	if s.deps.Skills != nil {
		mux.Handle("GET /api/v1/skills", s.auth(s.handleSkills))
	}
	if s.deps.Webhooks != nil {
		mux.Handle("POST /webhooks/github", s.auth(s.handleGitHub))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr, "auth", s.cfg.AuthToken != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != s.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.cfg.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"auth_required":  s.cfg.AuthToken != "",
	})
}

type chatRequest struct {
	UserID         string `json:"userId"`
	CellID         string `json:"cellId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "userId and message are required")
		return
	}
	res, err := s.deps.Conductor.Run(r.Context(), agent.Signal{
		Kind:           agent.SignalChat,
		UserID:         req.UserID,
		CellID:         req.CellID,
		ConversationID: req.ConversationID,
		Content:        req.Message,
	})
	if err != nil {
		// Provider details stay in the log.
		slog.Error("Chat failed", "user_id", req.UserID, "cell_id", req.CellID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEvents streams the user's broadcasts as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.deps.Hub.Subscribe(userID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("Event not encodable", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	tasks, err := s.deps.Tasks.List(r.Context(), userID, r.URL.Query().Get("cellId"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	UserID        string              `json:"userId"`
	CellID        string              `json:"cellId"`
	Title         string              `json:"title"`
	Executor      string              `json:"executor"`
	Action        string              `json:"action"`
	ActionContext map[string]any      `json:"actionContext"`
	TriggerType   string              `json:"triggerType"`
	TriggerConfig store.TriggerConfig `json:"triggerConfig"`
	WhyHuman      string              `json:"whyHuman"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.CellID == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "userId, cellId and title are required")
		return
	}
	switch req.TriggerType {
	case store.TriggerNone, store.TriggerDelay, store.TriggerCron, store.TriggerEvent:
	default:
		writeError(w, http.StatusBadRequest, "invalid triggerType")
		return
	}
	t, err := s.deps.Tasks.Create(r.Context(), &store.Task{
		UserID:        req.UserID,
		CellID:        req.CellID,
		Title:         req.Title,
		Executor:      req.Executor,
		Action:        req.Action,
		ActionContext: req.ActionContext,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		WhyHuman:      req.WhyHuman,
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if err := s.deps.Tasks.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	var (
		t   *store.Task
		err error
	)
	ctx := r.Context()
	switch action {
	case "approve":
		t, err = s.deps.Tasks.Approve(ctx, userID, id)
	case "reject":
		t, err = s.deps.Tasks.Reject(ctx, userID, id)
	case "pause":
		t, err = s.deps.Tasks.Pause(ctx, userID, id)
	case "skip":
		t, err = s.deps.Tasks.Skip(ctx, userID, id)
	case "resume":
		t, err = s.deps.Tasks.Resume(ctx, userID, id)
	case "run":
		if err := s.deps.Tasks.Run(ctx, userID, id); err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"message": "Task queued for execution"})
		return
	default:
		writeError(w, http.StatusNotFound, "unknown task action")
		return
	}
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if r.URL.Query().Get("peek") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{"pending": s.deps.Digest.Pending(userID)})
		return
	}
	notes := s.deps.Digest.Flush(userID)
	if notes == nil {
		notes = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Skills.Loaded()
	if infos == nil {
		infos = []skills.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	event := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	if event == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// Webhook processing runs the conductor, so it outlives the request.
	ctx := context.WithoutCancel(r.Context())
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	go func() {
		if err := s.deps.Webhooks.HandleGitHub(ctx, userID, event, json.RawMessage(body)); err != nil {
			slog.Error("GitHub webhook failed", "event", event, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, approval.ErrNotAwaiting):
		writeError(w, http.StatusConflict, "task is not awaiting approval")
	case errors.Is(err, approval.ErrInvalidStatus):
		writeError(w, http.StatusConflict, "task status does not allow this action")
	default:
		slog.Error("Task request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
