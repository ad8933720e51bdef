// Package session coordinates one live tutoring exchange: microphone capture
// feeding the duplex link upstream, inbound audio feeding the playback
// scheduler downstream, and barge-in interruptions flushing whatever was
// queued to be said.
//
// A Session is single-use. Start moves it Idle → Connecting → Active; Stop or
// a terminal failure moves it to Closed or Errored. A fresh Session must be
// constructed to retry — no state is reused across runs.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/quranwithtahir/talaqqi/internal/observe"
	"github.com/quranwithtahir/talaqqi/internal/playback"
	"github.com/quranwithtahir/talaqqi/internal/transcript"
	"github.com/quranwithtahir/talaqqi/pkg/audio"
	"github.com/quranwithtahir/talaqqi/pkg/duplex"
)

// Defaults for the capture and playback formats.
const (
	DefaultBlockSize = 4096

	transcriptWriteTimeout = 2 * time.Second
)

// DefaultInputFormat is the microphone capture format sent upstream.
var DefaultInputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// DefaultOutputFormat is the synthesized audio format received downstream.
var DefaultOutputFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Human-readable status strings surfaced to the UI in place of technical
// detail.
const (
	StatusIdle        = "Standby"
	StatusConnecting  = "Initializing AI Link..."
	StatusActive      = "Active Sync"
	StatusEnded       = "Session Ended"
	StatusLinkFailure = "Link Failure"
	StatusMicDenied   = "Microphone Access Denied"
)

// ErrAlreadyStarted is returned by Start on a session that has already run.
// Sessions are single-use.
var ErrAlreadyStarted = errors.New("session: already started")

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
	StateErrored
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the semantic knobs of one session. Zero fields take package
// defaults.
type Config struct {
	// ID identifies the session in transcripts and logs. Generated when empty.
	ID string

	// Mode names the tutoring surface this session serves ("pronunciation",
	// "memorization", "classroom", "recitation").
	Mode string

	// Instructions is the persona / system instruction for the remote tutor.
	Instructions string

	// Voice selects the prebuilt synthesis voice.
	Voice string

	// InputFormat is the microphone capture format. Default 16 kHz mono.
	InputFormat audio.Format

	// OutputFormat is the expected inbound audio format. Default 24 kHz mono.
	OutputFormat audio.Format

	// BlockSize is the capture block size in samples. Default 4096.
	BlockSize int

	// Video enables camera sampling alongside audio capture.
	Video bool

	// VideoSampler configures the camera sampling loop when Video is set.
	VideoSampler audio.VideoSamplerConfig

	// TranscribeInput and TranscribeOutput request live transcription of the
	// respective direction.
	TranscribeInput  bool
	TranscribeOutput bool

	// SafetyOffset is the playback scheduling lead time. Zero keeps
	// [playback.DefaultSafetyOffset].
	SafetyOffset time.Duration
}

// Deps are the collaborators a session runs against.
type Deps struct {
	// Opener acquires the microphone.
	Opener audio.Opener

	// Video acquires the camera. Required only when Config.Video is set.
	Video audio.VideoOpener

	// Output is the audio output device playback is scheduled on. Owned by
	// the caller; the session never closes it.
	Output audio.OutputDevice

	// Provider establishes the duplex link to the remote service.
	Provider duplex.Provider

	// Transcripts receives transcript fragments, best effort. May be nil.
	Transcripts transcript.Store

	// Metrics records pipeline metrics. Nil falls back to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnStatus is invoked on every status string change. May be nil.
	OnStatus func(status string)

	// OnTranscript is invoked per transcript fragment. May be nil.
	OnTranscript func(speaker, text string)
}

// Session drives one capture → send → receive → playback exchange.
// All methods are safe for concurrent use.
type Session struct {
	cfg  Config
	deps Deps
	met  *observe.Metrics

	mu       sync.Mutex
	state    State
	status   string
	errVal   error
	stopping bool

	sched  *playback.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a session in the Idle state. Zero config fields take defaults.
func New(cfg Config, deps Deps) *Session {
	if cfg.ID == "" {
		cfg.ID = newID()
	}
	if !cfg.InputFormat.Valid() {
		cfg.InputFormat = DefaultInputFormat
	}
	if !cfg.OutputFormat.Valid() {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	met := deps.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		met:    met,
		state:  StateIdle,
		status: StatusIdle,
		done:   make(chan struct{}),
	}
}

// newID returns a random hex session identifier.
func newID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "session-unknown"
	}
	return hex.EncodeToString(b[:])
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the human-readable status string for the UI.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Active reports whether the session is streaming.
func (s *Session) Active() bool {
	return s.State() == StateActive
}

// Err returns the terminal error, or nil while running or after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// setStatus updates the status string and fires the OnStatus callback.
func (s *Session) setStatus(state State, status string) {
	s.mu.Lock()
	changed := s.status != status
	s.state = state
	s.status = status
	cb := s.deps.OnStatus
	s.mu.Unlock()

	if changed && cb != nil {
		cb(status)
	}
}

// Start acquires the devices, opens the duplex link and begins streaming.
// It returns once the session is Active (or has failed); the pipeline loops
// run in the background until Stop, a remote close, or a terminal error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.status = StatusConnecting
	cb := s.deps.OnStatus
	s.mu.Unlock()
	if cb != nil {
		cb(StatusConnecting)
	}

	log := slog.With("session_id", s.cfg.ID, "mode", s.cfg.Mode)
	log.Info("session starting")

	input, err := s.deps.Opener.Open(ctx, s.cfg.InputFormat, s.cfg.BlockSize)
	if err != nil {
		return s.failStart(fmt.Errorf("session: open input: %w", err))
	}

	var videoDev audio.VideoDevice
	if s.cfg.Video {
		if s.deps.Video == nil {
			input.Close()
			return s.failStart(fmt.Errorf("session: video requested but no camera opener: %w", audio.ErrDeviceUnavailable))
		}
		videoDev, err = s.deps.Video.OpenVideo(ctx)
		if err != nil {
			input.Close()
			return s.failStart(fmt.Errorf("session: open camera: %w", err))
		}
	}

	connectStart := time.Now()
	link, err := s.deps.Provider.Connect(ctx, duplex.SessionConfig{
		Instructions:     s.cfg.Instructions,
		Voice:            s.cfg.Voice,
		InputFormat:      s.cfg.InputFormat,
		OutputFormat:     s.cfg.OutputFormat,
		TranscribeInput:  s.cfg.TranscribeInput,
		TranscribeOutput: s.cfg.TranscribeOutput,
	})
	if err != nil {
		input.Close()
		if videoDev != nil {
			videoDev.Close()
		}
		return s.failStart(fmt.Errorf("session: connect: %w", err))
	}
	s.met.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())

	runCtx, cancel := context.WithCancel(context.Background())

	schedOpts := []playback.Option{
		playback.WithQueueObserver(func(delta int) {
			s.met.QueuedBuffers.Add(runCtx, int64(delta))
		}),
	}
	if s.cfg.SafetyOffset > 0 {
		schedOpts = append(schedOpts, playback.WithSafetyOffset(s.cfg.SafetyOffset))
	}
	sched := playback.NewScheduler(s.deps.Output, schedOpts...)
	capture := audio.StartCapture(input)

	s.mu.Lock()
	if s.stopping {
		// Stop raced the handshake. Tear down what we just built.
		s.mu.Unlock()
		cancel()
		capture.Stop()
		input.Close()
		if videoDev != nil {
			videoDev.Close()
		}
		link.Close()
		sched.Close()
		s.finish(nil, time.Now())
		return nil
	}
	s.sched = sched
	s.cancel = cancel
	s.mu.Unlock()

	s.setStatus(StateActive, StatusActive)
	s.met.ActiveSessions.Add(runCtx, 1)
	activeSince := time.Now()
	log.Info("session active")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.captureLoop(gctx, capture, link) })
	g.Go(func() error { return s.eventLoop(gctx, link, sched) })
	if videoDev != nil {
		sampler := audio.NewVideoSampler(videoDev, s.cfg.VideoSampler)
		g.Go(func() error { sampler.Run(gctx); return nil })
		g.Go(func() error { return s.videoLoop(gctx, sampler, link) })
	}

	go func() {
		err := g.Wait()
		cancel()
		capture.Stop()
		input.Close()
		link.Close()
		sched.Close()
		s.met.ActiveSessions.Add(context.Background(), -1)
		s.finish(err, activeSince)
	}()

	return nil
}

// failStart moves a session that never reached Active into the Errored state.
func (s *Session) failStart(err error) error {
	s.mu.Lock()
	s.errVal = err
	s.mu.Unlock()

	s.setStatus(StateErrored, statusFor(err))
	s.met.RecordSessionError(context.Background(), s.cfg.Mode, errKind(err))
	slog.Error("session start failed", "session_id", s.cfg.ID, "mode", s.cfg.Mode, "err", err)
	close(s.done)
	return err
}

// finish moves a running session into its terminal state once the pipeline
// loops have exited.
func (s *Session) finish(err error, activeSince time.Time) {
	// Cancellation reaches the loops on every shutdown path: a deliberate
	// Stop, a clean remote close, or a sibling loop failing (in which case
	// the errgroup already holds the real error). A bare context error is
	// therefore always a clean exit, never a failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, duplex.ErrClosed) {
		err = nil
	}

	s.met.SessionDuration.Record(context.Background(), time.Since(activeSince).Seconds())

	if err != nil {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()
		s.setStatus(StateErrored, statusFor(err))
		s.met.RecordSessionError(context.Background(), s.cfg.Mode, errKind(err))
		slog.Error("session failed", "session_id", s.cfg.ID, "mode", s.cfg.Mode, "err", err)
	} else {
		s.setStatus(StateClosed, StatusEnded)
		slog.Info("session ended", "session_id", s.cfg.ID, "mode", s.cfg.Mode)
	}
	close(s.done)
}

// Stop ends the session. Safe to call from any state and more than once;
// it blocks until the pipeline has fully torn down.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateErrored:
		s.mu.Unlock()
		return
	case StateIdle:
		s.state = StateClosed
		s.status = StatusEnded
		s.mu.Unlock()
		close(s.done)
		return
	}
	s.stopping = true
	cancel := s.cancel
	sched := s.sched
	s.mu.Unlock()

	// Halt pending audio synchronously; the loops then wind down via ctx.
	if sched != nil {
		sched.Flush()
	}
	if cancel != nil {
		cancel()
	}
	<-s.done
}

// ── Pipeline loops ────────────────────────────────────────────────────────────

// endRun cancels the run context so the sibling loops wind down after one
// loop exits cleanly. Without it a clean exit (remote close, device stream
// ending) would leave the other loops blocked forever.
func (s *Session) endRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// captureLoop forwards encoded microphone frames upstream in capture order.
func (s *Session) captureLoop(ctx context.Context, capture *audio.Capture, link duplex.Session) error {
	modeAttr := metric.WithAttributes(observe.Attr("mode", s.cfg.Mode))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-capture.Frames():
			if !ok {
				if err := capture.Err(); err != nil {
					return fmt.Errorf("session: capture: %w", err)
				}
				s.endRun()
				return nil
			}
			s.met.CaptureBlocks.Add(ctx, 1, modeAttr)

			sendStart := time.Now()
			err := link.Send(duplex.AudioPayload(frame))
			s.met.SendDuration.Record(ctx, time.Since(sendStart).Seconds())
			if err != nil {
				if errors.Is(err, duplex.ErrClosed) {
					s.endRun()
					return nil
				}
				return fmt.Errorf("session: send audio: %w", err)
			}
		}
	}
}

// videoLoop forwards compressed camera frames upstream. Video is best effort
// and lossy; only send failures end the session.
func (s *Session) videoLoop(ctx context.Context, sampler *audio.VideoSampler, link duplex.Session) error {
	var seenSkipped, seenDropped uint64
	lossTally := func() {
		if n := sampler.Skipped(); n > seenSkipped {
			s.met.RecordVideoFrames(ctx, s.cfg.Mode, "skipped", int64(n-seenSkipped))
			seenSkipped = n
		}
		if n := sampler.Dropped(); n > seenDropped {
			s.met.RecordVideoFrames(ctx, s.cfg.Mode, "dropped", int64(n-seenDropped))
			seenDropped = n
		}
	}
	defer lossTally()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case blob, ok := <-sampler.Frames():
			if !ok {
				return nil
			}
			lossTally()
			s.met.RecordVideoFrame(ctx, s.cfg.Mode, "sampled")
			if err := link.Send(duplex.ImagePayload(blob)); err != nil {
				if errors.Is(err, duplex.ErrClosed) {
					s.endRun()
					return nil
				}
				return fmt.Errorf("session: send frame: %w", err)
			}
		}
	}
}

// eventLoop consumes inbound duplex events. Running on a single goroutine
// guarantees an interruption flushes the queue before any later audio of the
// new turn is scheduled.
func (s *Session) eventLoop(ctx context.Context, link duplex.Session, sched *playback.Scheduler) error {
	log := slog.With("session_id", s.cfg.ID, "mode", s.cfg.Mode)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-link.Events():
			if !ok {
				if err := link.Err(); err != nil {
					return err
				}
				s.endRun()
				return nil
			}
			switch ev := ev.(type) {
			case duplex.AudioChunk:
				if len(ev.Data) == 0 || len(ev.Data)%2 != 0 {
					s.met.DecodeErrors.Add(ctx, 1)
					log.Warn("malformed inbound audio dropped", "bytes", len(ev.Data))
					continue
				}
				frame := audio.AudioFrame{
					Data:       ev.Data,
					SampleRate: ev.Format.SampleRate,
					Channels:   ev.Format.Channels,
				}
				if _, err := sched.Enqueue(frame); err != nil {
					if errors.Is(err, playback.ErrClosed) {
						s.endRun()
						return nil
					}
					return fmt.Errorf("session: schedule playback: %w", err)
				}
				s.met.PlaybackScheduled.Add(ctx, 1)

			case duplex.TranscriptChunk:
				s.handleTranscript(ctx, ev)

			case duplex.Interrupted:
				sched.Flush()
				s.met.Interruptions.Add(ctx, 1)
				log.Debug("barge-in: playback queue flushed")

			case duplex.Closed:
				if ev.Err != nil {
					return ev.Err
				}
				s.endRun()
				return nil
			}
		}
	}
}

// handleTranscript forwards one transcript fragment to the store, best
// effort, and to the UI callback.
func (s *Session) handleTranscript(ctx context.Context, ev duplex.TranscriptChunk) {
	speaker := "model"
	if ev.Speaker == duplex.SpeakerUser {
		speaker = "user"
	}
	s.met.RecordTranscriptFragment(ctx, speaker)

	if cb := s.deps.OnTranscript; cb != nil {
		cb(speaker, ev.Text)
	}

	if s.deps.Transcripts == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, transcriptWriteTimeout)
	defer cancel()
	err := s.deps.Transcripts.Append(writeCtx, transcript.Fragment{
		SessionID: s.cfg.ID,
		Mode:      s.cfg.Mode,
		Speaker:   speaker,
		Text:      ev.Text,
		At:        time.Now(),
	})
	if err != nil {
		slog.Warn("transcript append failed", "session_id", s.cfg.ID, "err", err)
	}
}

// ── Error classification ──────────────────────────────────────────────────────

// statusFor maps a terminal error to the short status string shown to the
// user.
func statusFor(err error) string {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return StatusMicDenied
	}
	return StatusLinkFailure
}

// errKind labels a terminal error for metrics.
func errKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device"
	case errors.Is(err, duplex.ErrConnect):
		return "connect"
	case errors.Is(err, duplex.ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
