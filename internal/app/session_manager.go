package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quranwithtahir/talaqqi/internal/config"
	"github.com/quranwithtahir/talaqqi/internal/observe"
	"github.com/quranwithtahir/talaqqi/internal/session"
	"github.com/quranwithtahir/talaqqi/internal/transcript"
	"github.com/quranwithtahir/talaqqi/pkg/audio"
	"github.com/quranwithtahir/talaqqi/pkg/duplex"
)

// ErrSessionActive is returned by [SessionManager.Start] while a previous
// session is still running.
var ErrSessionActive = errors.New("app: a session is already active")

// ErrNoSession is returned by [SessionManager.Stop] when nothing is running.
var ErrNoSession = errors.New("app: no active session")

// ErrUnknownMode is returned by [SessionManager.Start] for a mode name absent
// from the configuration.
var ErrUnknownMode = errors.New("app: unknown mode")

// SessionInfo is a point-in-time snapshot of the managed session.
type SessionInfo struct {
	// SessionID is the unique identifier of this session.
	SessionID string `json:"session_id"`

	// Mode is the tutoring surface the session serves.
	Mode string `json:"mode"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// State is the lifecycle state ("active", "closed", ...).
	State string `json:"state"`

	// Status is the user-facing status line ("Active Sync", ...).
	Status string `json:"status"`

	// Error carries the terminal error text when the session failed.
	Error string `json:"error,omitempty"`
}

// ManagerDeps are the long-lived collaborators sessions are built against.
// The manager hands them to every session it starts; it never closes them.
type ManagerDeps struct {
	// Opener acquires the microphone for each session.
	Opener audio.Opener

	// Video acquires the camera. Required only for modes with video enabled.
	Video audio.VideoOpener

	// Output is the shared audio output device.
	Output audio.OutputDevice

	// Provider establishes the duplex link to the inference service.
	Provider duplex.Provider

	// Transcripts receives transcript fragments, best effort. May be nil.
	Transcripts transcript.Store

	// Metrics records pipeline metrics. Nil falls back to the default set.
	Metrics *observe.Metrics
}

// SessionManager owns the lifecycle of tutoring sessions. At most one session
// runs at a time; each run gets a fresh [session.Session], never a reused one.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg  *config.Config
	deps ManagerDeps

	mu        sync.Mutex
	curr      *session.Session
	mode      string
	startedAt time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg *config.Config, deps ManagerDeps) *SessionManager {
	return &SessionManager{cfg: cfg, deps: deps}
}

// Start begins a new session for the named mode. It fails when a session is
// still running, when the mode is not configured, or when the session cannot
// reach the Active state.
func (sm *SessionManager) Start(ctx context.Context, mode string) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.curr != nil && sm.curr.Active() {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.curr.ID())
	}

	modeCfg, ok := sm.cfg.Modes[mode]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if modeCfg.Video && sm.deps.Video == nil {
		return SessionInfo{}, fmt.Errorf("app: mode %q needs video but no camera is configured", mode)
	}

	sess := session.New(sm.sessionConfig(mode, modeCfg), session.Deps{
		Opener:      sm.deps.Opener,
		Video:       sm.deps.Video,
		Output:      sm.deps.Output,
		Provider:    sm.deps.Provider,
		Transcripts: sm.deps.Transcripts,
		Metrics:     sm.deps.Metrics,
		OnStatus: func(status string) {
			slog.Info("session status", "mode", mode, "status", status)
		},
	})

	if err := sess.Start(ctx); err != nil {
		return SessionInfo{}, fmt.Errorf("app: start session: %w", err)
	}

	sm.curr = sess
	sm.mode = mode
	sm.startedAt = time.Now().UTC()

	slog.Info("session started", "session_id", sess.ID(), "mode", mode)
	return sm.snapshotLocked(), nil
}

// Stop tears down the running session and waits for it to finish.
func (sm *SessionManager) Stop() (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.curr == nil || !sm.curr.Active() {
		return SessionInfo{}, ErrNoSession
	}

	sm.curr.Stop()
	slog.Info("session stopped", "session_id", sm.curr.ID(), "mode", sm.mode)
	return sm.snapshotLocked(), nil
}

// UpdateConfig swaps in a reloaded configuration. The running session, if
// any, keeps the settings it started with; the next Start uses the new ones.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Active reports whether a session is currently running.
func (sm *SessionManager) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.curr != nil && sm.curr.Active()
}

// Info returns a snapshot of the most recent session, which may have ended.
// ok is false when no session was ever started.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.curr == nil {
		return SessionInfo{}, false
	}
	return sm.snapshotLocked(), true
}

// Shutdown stops any running session. Safe to call at process exit.
func (sm *SessionManager) Shutdown() {
	if _, err := sm.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
		slog.Warn("session shutdown error", "err", err)
	}
}

// sessionConfig merges the mode entry with the global audio and video knobs.
func (sm *SessionManager) sessionConfig(mode string, mc config.ModeConfig) session.Config {
	return session.Config{
		Mode:         mode,
		Instructions: mc.Instructions,
		Voice:        mc.Voice,
		InputFormat:  audio.Format{SampleRate: sm.cfg.Audio.InputSampleRate, Channels: 1},
		OutputFormat: audio.Format{SampleRate: sm.cfg.Audio.OutputSampleRate, Channels: 1},
		BlockSize:    sm.cfg.Audio.BlockSize,
		Video:        mc.Video,
		VideoSampler: audio.VideoSamplerConfig{
			FrameRate:     sm.cfg.Video.FrameRate,
			JPEGQuality:   sm.cfg.Video.JPEGQuality,
			MaxFrameBytes: sm.cfg.Video.MaxFrameBytes,
		},
		TranscribeInput:  mc.TranscribeInput,
		TranscribeOutput: mc.TranscribeOutput,
		SafetyOffset:     time.Duration(sm.cfg.Audio.SafetyOffsetMs) * time.Millisecond,
	}
}

// snapshotLocked builds a SessionInfo from the current session.
// Callers must hold sm.mu.
func (sm *SessionManager) snapshotLocked() SessionInfo {
	info := SessionInfo{
		SessionID: sm.curr.ID(),
		Mode:      sm.mode,
		StartedAt: sm.startedAt,
		State:     sm.curr.State().String(),
		Status:    sm.curr.Status(),
	}
	if err := sm.curr.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
