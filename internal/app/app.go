// Package app wires the Talaqqi subsystems into a running server.
//
// App owns the HTTP surface: health and metrics endpoints, the session
// control API, the transcript read API, and the classroom board sync API.
// The [SessionManager] behind it enforces the one-live-session rule and
// builds a fresh pipeline session per run.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quranwithtahir/talaqqi/internal/board"
	"github.com/quranwithtahir/talaqqi/internal/config"
	"github.com/quranwithtahir/talaqqi/internal/health"
	"github.com/quranwithtahir/talaqqi/internal/observe"
	"github.com/quranwithtahir/talaqqi/internal/session"
	"github.com/quranwithtahir/talaqqi/internal/transcript"
)

// shutdownTimeout bounds the graceful HTTP shutdown when the run context ends.
const shutdownTimeout = 10 * time.Second

// App is the HTTP server around one [SessionManager].
type App struct {
	cfg      *config.Config
	sessions *SessionManager
	board    *board.Board
	store    transcript.Store
	met      *observe.Metrics
	handler  http.Handler
}

// New assembles the HTTP surface. The transcript store backs the read API and
// may be nil when transcripts are not persisted; checkers feed /readyz.
func New(cfg *config.Config, sessions *SessionManager, store transcript.Store, met *observe.Metrics, checkers ...health.Checker) *App {
	if met == nil {
		met = observe.DefaultMetrics()
	}
	a := &App{
		cfg:      cfg,
		sessions: sessions,
		board:    board.New(),
		store:    store,
		met:      met,
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/session/start", a.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleSessionStop)
	mux.HandleFunc("GET /v1/session/status", a.handleSessionStatus)
	mux.HandleFunc("GET /v1/session/transcript", a.handleTranscript)
	mux.HandleFunc("POST /v1/board/ops", a.handleBoardApply)
	mux.HandleFunc("GET /v1/board/ops", a.handleBoardOps)

	a.handler = observe.Middleware(met)(mux)
	return a
}

// Handler returns the fully wired HTTP handler. Useful in tests.
func (a *App) Handler() http.Handler { return a.handler }

// Board returns the shared classroom drawing surface.
func (a *App) Board() *board.Board { return a.board }

// Run serves the HTTP API until ctx is cancelled, then shuts the server down
// gracefully and stops any running session.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.sessions.Shutdown()

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// ─── Session API ─────────────────────────────────────────────────────────────

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		writeError(w, http.StatusBadRequest, "missing mode parameter")
		return
	}

	info, err := a.sessions.Start(r.Context(), mode)
	switch {
	case errors.Is(err, ErrUnknownMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusCreated, info)
	}
}

func (a *App) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	info, err := a.sessions.Stop()
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	info, ok := a.sessions.Info()
	if !ok {
		info = SessionInfo{State: session.StateIdle.String(), Status: session.StatusIdle}
	}
	writeJSON(w, http.StatusOK, info)
}

// ─── Transcript API ──────────────────────────────────────────────────────────

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, "transcripts are not persisted")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		info, ok := a.sessions.Info()
		if !ok {
			writeError(w, http.StatusNotFound, "no session")
			return
		}
		sessionID = info.SessionID
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	frags, err := a.store.Recent(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"fragments":  frags,
	})
}

// ─── Board API ───────────────────────────────────────────────────────────────

func (a *App) handleBoardApply(w http.ResponseWriter, r *http.Request) {
	var op board.Op
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid op: "+err.Error())
		return
	}
	switch op.Kind {
	case board.OpStroke:
		if len(op.Points) == 0 {
			writeError(w, http.StatusBadRequest, "stroke needs at least one point")
			return
		}
	case board.OpClear:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown op kind %q", op.Kind))
		return
	}
	writeJSON(w, http.StatusCreated, a.board.Apply(op))
}

func (a *App) handleBoardOps(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rev": a.board.Rev(),
		"ops": a.board.Since(since),
	})
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode error", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
