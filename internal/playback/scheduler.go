// Package playback schedules decoded audio frames for gapless output.
//
// Frames arrive from the network in bursts that rarely line up with real
// time. The [Scheduler] keeps a cursor in the output device's clock domain
// and starts each frame exactly where the previous one ends, so back-to-back
// frames play without gaps or overlap regardless of arrival jitter. When the
// remote speaker is interrupted, [Scheduler.Flush] silences everything that
// is queued and rewinds the cursor so the next reply starts promptly.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
)

// DefaultSafetyOffset is the minimum lead time between scheduling a frame
// and its start. It absorbs the cost of the device call itself; without it
// a frame scheduled at "now" would begin slightly in the past and click.
const DefaultSafetyOffset = 50 * time.Millisecond

// ErrClosed is returned by Enqueue after the scheduler has been closed.
var ErrClosed = errors.New("playback: scheduler closed")

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithSafetyOffset overrides the scheduling lead time. Values <= 0 keep
// the default.
func WithSafetyOffset(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.safetyOffset = d
		}
	}
}

// WithQueueObserver registers fn to be called with the change in queue depth:
// +1 when a frame is scheduled, -1 per source as sources complete or are
// flushed. Used to feed a queue-depth gauge. fn runs with the scheduler lock
// held and must not call back into the Scheduler.
func WithQueueObserver(fn func(delta int)) Option {
	return func(s *Scheduler) { s.onQueueChange = fn }
}

// Scheduler sequences audio frames on an output device.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	dev           audio.OutputDevice
	safetyOffset  time.Duration
	onQueueChange func(delta int)

	mu      sync.Mutex
	cursor  time.Duration // device-clock time where the next frame starts
	sources map[uint64]audio.Source
	nextID  uint64
	closed  bool
}

// NewScheduler creates a Scheduler that plays frames on dev.
func NewScheduler(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:          dev,
		safetyOffset: DefaultSafetyOffset,
		sources:      make(map[uint64]audio.Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules frame to start when the previously queued audio ends,
// or after the safety offset from now when the queue has drained. It returns
// the device-clock time the frame will start.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	start := s.dev.Now() + s.safetyOffset
	if s.cursor > start {
		start = s.cursor
	}

	id := s.nextID
	s.nextID++

	src, err := s.dev.Play(frame, start, func() { s.remove(id) })
	if err != nil {
		return 0, err
	}

	s.sources[id] = src
	s.cursor = start + frame.Duration()
	s.notify(1)
	return start, nil
}

// notify reports a queue depth change to the observer, if any. Caller holds
// the lock.
func (s *Scheduler) notify(delta int) {
	if s.onQueueChange != nil && delta != 0 {
		s.onQueueChange(delta)
	}
}

// remove drops a finished source from tracking.
func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	if _, ok := s.sources[id]; ok {
		delete(s.sources, id)
		s.notify(-1)
	}
	s.mu.Unlock()
}

// Flush stops every queued source, clears the queue and rewinds the cursor.
// The next Enqueue schedules relative to the device clock alone, so a new
// reply starts after just the safety offset instead of waiting behind
// audio that will never play.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	flushed := len(s.sources)
	for id, src := range s.sources {
		src.Stop()
		delete(s.sources, id)
	}
	s.notify(-flushed)
	s.cursor = 0
	s.mu.Unlock()

	if flushed > 0 {
		slog.Debug("playback queue flushed", "stopped_sources", flushed)
	}
}

// Queued reports how many scheduled sources have not yet finished.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Cursor returns the device-clock time at which the next frame would be
// appended. Zero means the queue has been flushed or never used.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close flushes the queue and rejects further Enqueue calls. Safe to call
// multiple times. The output device itself is owned by the caller and is
// not closed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := len(s.sources)
	for id, src := range s.sources {
		src.Stop()
		delete(s.sources, id)
	}
	s.notify(-stopped)
	s.cursor = 0
	s.mu.Unlock()
}
