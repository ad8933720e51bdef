// Package duplex defines the abstraction over the remote speech-capable
// inference service: a single bidirectional, message-oriented channel
// carrying outbound user media and inbound synthesised audio, transcript
// fragments, and control signals.
//
// The central type is [Session]: outbound payloads go through Send in
// submission order, inbound traffic arrives on a single ordered Events
// channel as a closed set of tagged variants. Keeping one ordered channel —
// rather than separate audio and control streams — is what lets an
// [Interrupted] event reach the playback layer before any audio of the
// following turn.
//
// Implementations live in subpackages (gemini for the Google Live API) and
// must be safe for concurrent use.
package duplex

import (
	"context"
	"errors"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
)

// Error taxonomy. Connect and transport failures are terminal for the
// session; nothing is retried automatically — the caller decides whether to
// open a new session.
var (
	// ErrConnect reports a failed handshake to the inference service.
	ErrConnect = errors.New("duplex: connect failed")

	// ErrTransport reports a mid-session channel failure.
	ErrTransport = errors.New("duplex: transport failure")

	// ErrClosed is returned by Send on a session that has been closed.
	ErrClosed = errors.New("duplex: session closed")

	// ErrPayloadTooLarge is returned by Send when a payload exceeds the
	// service's per-message ceiling. Oversized image frames should be
	// re-compressed upstream, never split.
	ErrPayloadTooLarge = errors.New("duplex: payload exceeds message ceiling")
)

// MaxPayloadBytes is the per-message payload ceiling enforced on Send,
// accounting for the ~33% transport-text overhead under the service's wire
// limit.
const MaxPayloadBytes = 768 * 1024

// MediaKind tags the payload media type.
type MediaKind string

const (
	// MediaAudio is PCM16 microphone audio.
	MediaAudio MediaKind = "audio"

	// MediaImage is a compressed camera frame.
	MediaImage MediaKind = "image"
)

// Payload is one opaque, size-bounded outbound blob. Payloads are built by
// the capture layer, consumed exactly once by Send, and discarded.
type Payload struct {
	// Kind is the media type.
	Kind MediaKind

	// MIME is the format identifier shipped to the service, e.g.
	// "audio/pcm;rate=16000" or "image/jpeg".
	MIME string

	// Data is the raw payload before transport-text encoding.
	Data []byte
}

// AudioPayload builds an outbound payload from a captured frame.
func AudioPayload(frame audio.AudioFrame) Payload {
	return Payload{
		Kind: MediaAudio,
		MIME: audioMIME(frame.SampleRate),
		Data: frame.Data,
	}
}

// ImagePayload builds an outbound payload from a compressed JPEG blob.
func ImagePayload(blob []byte) Payload {
	return Payload{Kind: MediaImage, MIME: "image/jpeg", Data: blob}
}

func audioMIME(rate int) string {
	switch rate {
	case 16000:
		return "audio/pcm;rate=16000"
	case 24000:
		return "audio/pcm;rate=24000"
	default:
		return "audio/pcm"
	}
}

// Speaker identifies which side of the conversation a transcript fragment
// belongs to.
type Speaker string

const (
	// SpeakerUser marks recognised user speech.
	SpeakerUser Speaker = "user"

	// SpeakerModel marks the text form of synthesised model speech.
	SpeakerModel Speaker = "model"
)

// Event is one inbound item from the service. The set of variants is closed:
// [AudioChunk], [TranscriptChunk], [Interrupted], and [Closed].
type Event interface {
	event()
}

// AudioChunk carries one synthesised PCM16 audio payload, already decoded
// from transport text.
type AudioChunk struct {
	Data   []byte
	Format audio.Format
}

func (AudioChunk) event() {}

// TranscriptChunk carries one transcript fragment.
type TranscriptChunk struct {
	Speaker Speaker
	Text    string
}

func (TranscriptChunk) event() {}

// Interrupted signals barge-in: the service detected the user speaking while
// a response was still playing. Consumers must flush queued playback before
// processing any further audio.
type Interrupted struct{}

func (Interrupted) event() {}

// Closed is the final event on the channel. Err is nil for a clean shutdown
// and wraps [ErrTransport] for a mid-session failure.
type Closed struct {
	Err error
}

func (Closed) event() {}

// SessionConfig is the initial configuration for one duplex session. Formats
// are fixed for the session's lifetime.
type SessionConfig struct {
	// Instructions is the system-level persona prompt for the session's mode.
	Instructions string

	// Voice selects the prebuilt synthesis voice; empty uses the service
	// default.
	Voice string

	// InputFormat is the capture format shipped to the service
	// (16 kHz mono by default).
	InputFormat audio.Format

	// OutputFormat is the synthesis format the service returns
	// (24 kHz mono by default).
	OutputFormat audio.Format

	// TranscribeInput requests transcript fragments of recognised user speech.
	TranscribeInput bool

	// TranscribeOutput requests the text form of synthesised responses.
	TranscribeOutput bool
}

// Session represents one open duplex channel.
//
// Send is fire-and-forget: payloads ship in submission order with no delivery
// acknowledgment. Payloads submitted before the service handshake completes
// are queued and flushed on open, in order — capture may legitimately start
// producing before the handshake finishes.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Send ships one payload. Returns ErrClosed after Close and
	// ErrPayloadTooLarge for payloads over the message ceiling.
	Send(p Payload) error

	// Events returns the ordered inbound event channel. The channel is
	// closed after the terminal [Closed] event is delivered.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil while live
	// or after a clean close.
	Err() error

	// Close shuts the channel down. Idempotent: closing an already-closed
	// session is a no-op returning nil.
	Close() error
}

// Provider opens duplex sessions against one inference service.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session. The returned Session accepts Send
	// immediately (pre-open payloads are queued). A handshake failure
	// returns an error wrapping [ErrConnect].
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
