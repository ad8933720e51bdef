// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.OutputDevice], and [audio.VideoDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. The output device runs on a manual
// clock that tests advance explicitly, so scheduling arithmetic can be
// asserted deterministically, and it records every scheduled source so tests
// can observe starts, stops, and completions.
//
// Typical usage:
//
//	out := mock.NewOutput()
//	sched := playback.NewScheduler(out)
//	_, _ = sched.Enqueue(frame)
//	out.Advance(600 * time.Millisecond) // fires completions
package mock

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a scripted [audio.InputDevice]. Tests push blocks with Emit and
// end the stream with Close or Fail.
type Input struct {
	mu     sync.Mutex
	blocks chan audio.Block
	errVal error
	closed bool
}

// NewInput creates a scripted input device with the given channel depth.
func NewInput(buffer int) *Input {
	return &Input{blocks: make(chan audio.Block, buffer)}
}

// Emit delivers one block to the consumer. Returns false once the device is
// closed.
func (i *Input) Emit(b audio.Block) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.blocks <- b
	return true
}

// Fail ends the stream with err, simulating a mid-stream device failure.
func (i *Input) Fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.errVal = err
	close(i.blocks)
}

// Blocks implements [audio.InputDevice].
func (i *Input) Blocks() <-chan audio.Block { return i.blocks }

// Err implements [audio.InputDevice].
func (i *Input) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errVal
}

// Close implements [audio.InputDevice]. Idempotent.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	close(i.blocks)
	return nil
}

// Opener returns i from Open, or err when err is non-nil.
type Opener struct {
	Device *Input
	Err    error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	mu sync.Mutex
}

// Open implements [audio.Opener].
func (o *Opener) Open(_ context.Context, _ audio.Format, _ int) (audio.InputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpen++
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Device, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduledSource records one buffer scheduled on the mock output device.
type ScheduledSource struct {
	Frame   audio.AudioFrame
	StartAt time.Duration

	mu      sync.Mutex
	out     *Output
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Source]. Stopping an already-finished source is a
// no-op. The completion callback is not invoked for stopped sources.
func (s *ScheduledSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called before natural completion.
func (s *ScheduledSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Ended reports whether the source completed naturally.
func (s *ScheduledSource) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// finish fires the completion callback unless the source was stopped first.
func (s *ScheduledSource) finish() {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cb := s.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Output is an [audio.OutputDevice] on a manual clock. Time only moves when
// the test calls Advance or SetNow; completions fire synchronously from
// Advance when the clock passes a source's end time.
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*ScheduledSource
	closed  bool

	// PlayErr, when non-nil, is returned by every Play call.
	PlayErr error
}

// NewOutput creates a manual-clock output device at time zero.
func NewOutput() *Output {
	return &Output{}
}

// Now implements [audio.OutputDevice].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.OutputDevice].
func (o *Output) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	src := &ScheduledSource{Frame: frame, StartAt: at, out: o, onEnded: onEnded}
	o.sources = append(o.sources, src)
	return src, nil
}

// Close implements [audio.OutputDevice]. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Advance moves the device clock forward by d, firing the completion
// callback of every unstopped source whose end time has passed.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	due := make([]*ScheduledSource, 0, len(o.sources))
	for _, s := range o.sources {
		if s.StartAt+s.Frame.Duration() <= now {
			due = append(due, s)
		}
	}
	o.mu.Unlock()

	for _, s := range due {
		s.finish()
	}
}

// Sources returns a snapshot of every source ever scheduled, in order.
func (o *Output) Sources() []*ScheduledSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*ScheduledSource, len(o.sources))
	copy(out, o.sources)
	return out
}

// ─── Video ────────────────────────────────────────────────────────────────────

// Video is a scripted [audio.VideoDevice]. Set Frame to the image Grab should
// return; a nil Frame reports not-ready.
type Video struct {
	mu    sync.Mutex
	frame image.Image

	// CallCountGrab records how many times Grab was called.
	CallCountGrab int
}

// SetFrame installs (or, with nil, removes) the frame Grab returns.
func (v *Video) SetFrame(img image.Image) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frame = img
}

// Grabs returns how many times Grab was called. Safe while the sampler runs.
func (v *Video) Grabs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.CallCountGrab
}

// Grab implements [audio.VideoDevice].
func (v *Video) Grab() (image.Image, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountGrab++
	if v.frame == nil {
		return nil, false
	}
	return v.frame, true
}

// Close implements [audio.VideoDevice]. Idempotent.
func (v *Video) Close() error { return nil }
