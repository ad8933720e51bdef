// Package gemini implements the duplex.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Media is transmitted as base64-encoded chunks tagged with a MIME
// type; inbound server content is parsed into the closed duplex.Event set.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
	"github.com/quranwithtahir/talaqqi/pkg/duplex"
)

// Compile-time assertions that Provider and session satisfy the duplex
// interfaces.
var _ duplex.Provider = (*Provider)(nil)
var _ duplex.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuf = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements duplex.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session. The returned session accepts
// Send immediately: payloads submitted before the service acknowledges setup
// are queued and flushed, in order, when setupComplete arrives.
func (p *Provider) Connect(ctx context.Context, cfg duplex.SessionConfig) (duplex.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w: dial: %v", duplex.ErrConnect, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cfg:    cfg,
		events: make(chan duplex.Event, eventBuf),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: %w: setup: %v", duplex.ErrConnect, err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // transport text (base64)
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // transport text (base64)
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	cfg    duplex.SessionConfig
	events chan duplex.Event

	mu      sync.Mutex
	open    bool // setupComplete received
	pending []duplex.Payload
	errVal  error
	closed  bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg duplex.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.TranscribeInput {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.TranscribeOutput {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// Send implements duplex.Session. Payloads submitted before setupComplete are
// queued; the receive loop flushes the queue in submission order when the
// handshake finishes.
func (s *session) Send(p duplex.Payload) error {
	if len(p.Data) > duplex.MaxPayloadBytes {
		return duplex.ErrPayloadTooLarge
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return duplex.ErrClosed
	}
	if !s.open {
		s.pending = append(s.pending, p)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writePayload(p)
}

func (s *session) writePayload(p duplex.Payload) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: p.MIME, Data: audio.ToTransportText(p.Data)},
			},
		},
	}
	return s.writeJSON(msg)
}

// flushPending ships every payload queued before setupComplete, in submission
// order. Called from the receive loop on setupComplete.
//
// The session is marked open only once the queue is fully drained: a Send
// arriving while a batch is on the wire still sees open == false and queues
// behind it, so nothing can overtake older payloads.
func (s *session) flushPending() {
	s.mu.Lock()
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, p := range batch {
			if err := s.writePayload(p); err != nil {
				s.setErr(fmt.Errorf("gemini: %w: flush pending: %v", duplex.ErrTransport, err))
				s.mu.Lock()
				s.open = true
				s.pending = nil
				s.mu.Unlock()
				return
			}
		}
		s.mu.Lock()
	}
	s.open = true
	s.mu.Unlock()
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the events channel: the terminal Closed event is emitted and the channel
// closed when the loop exits.
func (s *session) receiveLoop() {
	defer func() {
		s.emit(duplex.Closed{Err: s.Err()})
		close(s.events)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means a local Close: clean exit.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("gemini: %w: %v", duplex.ErrTransport, err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.SetupComplete != nil {
			s.flushPending()
		}
		if msg.Error != nil {
			text := msg.Error.Message
			if text == "" {
				text = "unknown error"
			}
			s.setErr(fmt.Errorf("gemini: %w: %s", duplex.ErrTransport, text))
			return
		}
		if msg.ServerContent != nil {
			if !s.handleServerContent(msg.ServerContent) {
				return
			}
		}
	}
}

// handleServerContent translates one serverContent message into events.
// The interrupted flag short-circuits the rest of the message: audio carried
// alongside it belongs to the turn being cancelled and is discarded.
// Returns false when the session context is cancelled mid-emit.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		return s.emit(duplex.Interrupted{})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				data, err := audio.FromTransportText(p.InlineData.Data)
				if err != nil || len(data) == 0 {
					continue
				}
				if !s.emit(duplex.AudioChunk{Data: data, Format: s.cfg.OutputFormat}) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emit(duplex.TranscriptChunk{Speaker: duplex.SpeakerModel, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(duplex.TranscriptChunk{Speaker: duplex.SpeakerUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(duplex.TranscriptChunk{Speaker: duplex.SpeakerModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	return true
}

// emit delivers one event in order, blocking until the consumer takes it or
// the session ends. Returns false on cancellation.
func (s *session) emit(ev duplex.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Events implements duplex.Session.
func (s *session) Events() <-chan duplex.Event { return s.events }

// Err implements duplex.Session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements duplex.Session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel() // unblocks receiveLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	<-s.done
	return nil
}
