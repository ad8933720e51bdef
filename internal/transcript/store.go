// Package transcript persists the text fragments produced during live
// sessions: what the student said (input transcription) and what the tutor
// voice replied (output transcription). Fragments arrive in real time from
// the session event loop and are stored append-only.
package transcript

import (
	"context"
	"time"
)

// Fragment is one transcribed utterance fragment within a session.
type Fragment struct {
	// SessionID identifies the session the fragment belongs to.
	SessionID string

	// Mode is the tutoring mode the session ran in ("pronunciation",
	// "memorization", ...).
	Mode string

	// Speaker is "user" or "model".
	Speaker string

	// Text is the transcribed fragment. Fragments are partial by nature;
	// consumers concatenate them in order.
	Text string

	// At is the time the fragment was received.
	At time.Time
}

// Store persists session transcript fragments.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores one fragment. Fragments for the same session must be
	// readable back in append order.
	Append(ctx context.Context, f Fragment) error

	// Recent returns up to limit fragments for the session, oldest first.
	// A limit <= 0 returns all fragments. An unknown session yields an
	// empty slice, not an error.
	Recent(ctx context.Context, sessionID string, limit int) ([]Fragment, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
