// Package audio defines the formats, device interfaces, and codec for the
// Talaqqi real-time voice pipeline.
//
// The pipeline moves audio in two representations:
//
//   - [Block] — one device callback's worth of raw floating-point samples,
//     produced by an [InputDevice] at its natural cadence.
//   - [AudioFrame] — wire-format PCM (16-bit signed little-endian), the atomic
//     unit of transport and playback.
//
// The codec functions in codec.go convert between the two and between wire
// bytes and the text-safe transport encoding used by the inference service.
//
// This package lives under pkg/ because device adapters (hardware capture,
// test harnesses) are expected to implement [InputDevice], [OutputDevice],
// and [VideoDevice].
package audio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// ErrDeviceUnavailable is returned by device openers when the underlying
// input hardware cannot be acquired (permission denied or not present).
// The condition is terminal for the session that attempted the open; callers
// must not retry automatically.
var ErrDeviceUnavailable = errors.New("audio: input device unavailable")

// Format describes the sample rate and channel count of an audio stream.
// Both values are fixed for the lifetime of one session.
type Format struct {
	// SampleRate in Hz (16000 for capture, 24000 for synthesised output).
	SampleRate int

	// Channels: 1 for mono. The pipeline is mono end to end.
	Channels int
}

// String returns a compact human-readable description, e.g. "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Valid reports whether the format has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// AudioFrame represents a single frame of wire-format audio flowing through
// the pipeline. Frames are immutable once built: captured blocks are encoded
// into frames, frames are shipped to the inference service, and inbound
// frames are decoded and scheduled for playback.
type AudioFrame struct {
	// Data holds 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp marks when this frame was captured or received, relative to
	// stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame: sampleCount / sampleRate.
// A frame with an invalid format has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Block is one input-device callback's worth of raw samples, normalised to
// [-1, 1]. Blocks have a fixed sample count per session (4096 by default,
// ≈256 ms at 16 kHz).
type Block struct {
	// Samples holds interleaved floating-point samples in [-1, 1].
	Samples []float32

	// Format is the device's capture format.
	Format Format
}

// InputDevice is an open microphone stream delivering fixed-size blocks at
// the device's natural callback cadence.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Blocks returns the channel on which capture blocks arrive. The channel
	// is closed when the device is closed or fails mid-stream; call Err
	// afterwards to distinguish the two.
	Blocks() <-chan Block

	// Err returns the error that terminated the stream, or nil after a clean
	// Close.
	Err() error

	// Close releases the device. Idempotent.
	Close() error
}

// Opener acquires an input device. A failed acquisition returns an error
// wrapping [ErrDeviceUnavailable]; the caller surfaces it as a terminal
// session condition rather than retrying.
type Opener interface {
	Open(ctx context.Context, format Format, blockSize int) (InputDevice, error)
}

// Source is a handle to one scheduled playback buffer, tracked only so it can
// be stopped early on interruption. Stopping an already-finished source is a
// no-op.
type Source interface {
	Stop()
}

// OutputDevice is an open audio output sink with its own monotonic clock.
// All playback scheduling arithmetic happens in this clock domain — never
// wall-clock time — because only the device clock is glitch-free across
// callback jitter.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the device clock: elapsed playback time since the device
	// was opened. Monotonically non-decreasing.
	Now() time.Duration

	// Play schedules frame to begin at device-clock time at. The frame
	// carries s16le wire bytes; expanding them to the device's native float
	// samples is the adapter's job, with [DecodePCM16] as the inverse half
	// of the codec for exactly that seam. onEnded is invoked exactly once
	// when the buffer finishes naturally; it is NOT invoked when the source
	// is stopped early. Returns the handle used to stop the buffer.
	Play(frame AudioFrame, at time.Duration, onEnded func()) (Source, error)

	// Close stops all playback and releases the device. Idempotent.
	Close() error
}

// VideoDevice is an open camera stream. Grab is polled at a fixed low rate by
// the video sampler; devices keep only the latest frame and never queue.
type VideoDevice interface {
	// Grab returns the most recent camera frame, or ok=false when no frame
	// is ready yet. A not-ready tick is skipped, never retried.
	Grab() (img image.Image, ok bool)

	// Close releases the camera. Idempotent.
	Close() error
}

// VideoOpener acquires a camera. Failures wrap [ErrDeviceUnavailable].
type VideoOpener interface {
	OpenVideo(ctx context.Context) (VideoDevice, error)
}
