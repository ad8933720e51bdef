// Package mock provides a scripted in-memory implementation of the
// [duplex.Session] and [duplex.Provider] interfaces for unit tests.
//
// Tests drive the inbound side with the Emit* methods and inspect the
// outbound side through Sent. The session records every call so state-machine
// tests can assert on ordering and idempotency.
package mock

import (
	"context"
	"sync"

	"github.com/quranwithtahir/talaqqi/pkg/duplex"
)

// Compile-time assertions.
var _ duplex.Session = (*Session)(nil)
var _ duplex.Provider = (*Provider)(nil)

// Session is a scripted [duplex.Session].
type Session struct {
	mu     sync.Mutex
	events chan duplex.Event
	sent   []duplex.Payload
	errVal error
	closed bool

	// SendErr, when non-nil, is returned by every Send call.
	SendErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession creates a scripted session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan duplex.Event, 64)}
}

// EmitAudio scripts one inbound audio chunk.
func (s *Session) EmitAudio(chunk duplex.AudioChunk) { s.emit(chunk) }

// EmitTranscript scripts one inbound transcript fragment.
func (s *Session) EmitTranscript(t duplex.TranscriptChunk) { s.emit(t) }

// EmitInterrupted scripts a barge-in control event.
func (s *Session) EmitInterrupted() { s.emit(duplex.Interrupted{}) }

// Fail terminates the session with err, delivering the terminal Closed event.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.errVal = err
	s.mu.Unlock()
	s.events <- duplex.Closed{Err: err}
	close(s.events)
}

func (s *Session) emit(ev duplex.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.events <- ev
	}
}

// Send implements [duplex.Session]. Payloads are recorded in order.
func (s *Session) Send(p duplex.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return duplex.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	if len(p.Data) > duplex.MaxPayloadBytes {
		return duplex.ErrPayloadTooLarge
	}
	s.sent = append(s.sent, p)
	return nil
}

// Sent returns a snapshot of every payload accepted by Send, in order.
func (s *Session) Sent() []duplex.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]duplex.Payload, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events implements [duplex.Session].
func (s *Session) Events() <-chan duplex.Event { return s.events }

// Err implements [duplex.Session].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements [duplex.Session]. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.events <- duplex.Closed{}
	close(s.events)
	return nil
}

// Provider is a scripted [duplex.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect when ConnectErr is nil.
	Session *Session

	// ConnectErr, when non-nil, is returned by Connect.
	ConnectErr error

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// LastConfig records the config passed to the most recent Connect.
	LastConfig duplex.SessionConfig
}

// Connect implements [duplex.Provider].
func (p *Provider) Connect(_ context.Context, cfg duplex.SessionConfig) (duplex.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountConnect++
	p.LastConfig = cfg
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	return p.Session, nil
}
