// Package server exposes the HTTP surface of the voice assistant: session
// lifecycle endpoints, the one-shot /voice exchange, the streaming WebSocket,
// and the operational endpoints (/metrics, /healthz, /readyz).
//
// The server degrades gracefully when the session store is unavailable: the
// session and voice endpoints return 503 and new streams are rejected, while
// the static page and probes keep serving.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicelinehq/voiceline/internal/conversation"
	"github.com/voicelinehq/voiceline/internal/health"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/stream"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

// Config tunes the HTTP server.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8000".
	ListenAddr string

	// Voice is the TTS voice id for the one-shot voice endpoint.
	Voice string

	// CleanupInterval is how often session housekeeping runs. Default 10s.
	CleanupInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Deps bundles the collaborators the handlers need. Sessions may be nil when
// the session store is not configured; the server then runs degraded.
type Deps struct {
	Sessions     *session.Manager
	Conversation *conversation.Engine
	Orchestrator *stream.Orchestrator
	ASR          asr.Provider
	TTS          tts.Provider
	Metrics      *observe.Metrics
	Health       *health.Handler
}

// Server serves the voice assistant HTTP API.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server. Metrics defaults to [observe.DefaultMetrics] when
// unset.
func New(deps Deps, cfg Config) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{cfg: cfg.withDefaults(), deps: deps}
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("POST /session/{id}/close", s.handleSessionClose)
	mux.HandleFunc("GET /session/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("POST /voice", s.handleVoice)
	mux.HandleFunc("GET /ws/voice/{id}", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}

	return observe.Middleware(s.deps.Metrics)(mux)
}

// Run serves until ctx is cancelled, running session housekeeping alongside.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.deps.Sessions != nil {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := s.deps.Sessions.Cleanup(gctx); err != nil {
						slog.Warn("session cleanup failed", "error", err)
					}
				}
			}
		})
	}

	return g.Wait()
}

// ─── session endpoints ───────────────────────────────────────────────────────

type sessionCreatedResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type sessionClosedResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type sessionStatusResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	IsIdle       bool   `json:"is_idle"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.storeUnavailable(w)
		return
	}

	id, err := s.deps.Sessions.Create(r.Context(), "")
	if err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.deps.Conversation.Initialize(r.Context(), id); err != nil {
		slog.Warn("conversation initialize failed", "session_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, sessionCreatedResponse{
		SessionID: id,
		Message:   "Session created",
	})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.storeUnavailable(w)
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Sessions.Close(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionClosedResponse{
		Message:   "Session closed",
		SessionID: id,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.storeUnavailable(w)
		return
	}

	id := r.PathValue("id")
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	idle, err := s.deps.Sessions.IsIdle(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionStatusResponse{
		SessionID:    sess.ID,
		State:        string(sess.State),
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339Nano),
		LastActivity: sess.LastActivity.Format(time.RFC3339Nano),
		IsIdle:       idle,
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

// storeUnavailable reports that the session store is not configured.
func (s *Server) storeUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{
		Error: "Session management not available",
	})
}

// storeError maps store failures to HTTP: unknown sessions are 404, anything
// else means the store itself is unhealthy.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	slog.Error("session store error", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Session store unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
