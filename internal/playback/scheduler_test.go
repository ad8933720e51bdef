package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/quranwithtahir/talaqqi/internal/playback"
	"github.com/quranwithtahir/talaqqi/pkg/audio"
	"github.com/quranwithtahir/talaqqi/pkg/audio/mock"
)

// frameOf builds a 24 kHz mono frame lasting d.
func frameOf(t *testing.T, d time.Duration) audio.AudioFrame {
	t.Helper()
	samples := int(d.Seconds() * 24000)
	return audio.AudioFrame{
		Data:       make([]byte, samples*2),
		SampleRate: 24000,
		Channels:   1,
	}
}

func TestEnqueueBackToBackFramesAreGapless(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	frame := frameOf(t, 500*time.Millisecond)
	first, err := sched.Enqueue(frame)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := sched.Enqueue(frame)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	third, err := sched.Enqueue(frame)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if first != playback.DefaultSafetyOffset {
		t.Errorf("first start = %v, want safety offset %v", first, playback.DefaultSafetyOffset)
	}
	if second != first+frame.Duration() {
		t.Errorf("second start = %v, want end of first %v", second, first+frame.Duration())
	}
	if third != second+frame.Duration() {
		t.Errorf("third start = %v, want end of second %v", third, second+frame.Duration())
	}
}

func TestEnqueueAfterDrainSchedulesFromNow(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	frame := frameOf(t, 200*time.Millisecond)
	if _, err := sched.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Let playback finish and real time pass well beyond the cursor.
	out.Advance(2 * time.Second)

	start, err := sched.Enqueue(frame)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := out.Now() + playback.DefaultSafetyOffset
	if start != want {
		t.Errorf("start after drain = %v, want now+offset %v", start, want)
	}
}

func TestStartTimesAreMonotonic(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	var prev time.Duration
	for i := 0; i < 20; i++ {
		start, err := sched.Enqueue(frameOf(t, 50*time.Millisecond))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if start < prev {
			t.Fatalf("start %d = %v went backwards from %v", i, start, prev)
		}
		prev = start
		if i%5 == 4 {
			out.Advance(30 * time.Millisecond)
		}
	}
}

func TestFlushStopsQueuedSourcesAndRewindsCursor(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	frame := frameOf(t, 500*time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := sched.Enqueue(frame); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := sched.Queued(); got != 3 {
		t.Fatalf("Queued = %d, want 3", got)
	}

	sched.Flush()

	if got := sched.Queued(); got != 0 {
		t.Errorf("Queued after Flush = %d, want 0", got)
	}
	if got := sched.Cursor(); got != 0 {
		t.Errorf("Cursor after Flush = %v, want 0", got)
	}
	for i, src := range out.Sources() {
		if !src.Stopped() {
			t.Errorf("source %d not stopped by Flush", i)
		}
	}

	// The next frame starts after just the safety offset, not behind the
	// flushed audio.
	start, err := sched.Enqueue(frame)
	if err != nil {
		t.Fatalf("Enqueue after Flush: %v", err)
	}
	if want := out.Now() + playback.DefaultSafetyOffset; start != want {
		t.Errorf("start after Flush = %v, want %v", start, want)
	}
}

func TestCompletionRemovesSourceFromQueue(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	frame := frameOf(t, 100*time.Millisecond)
	if _, err := sched.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := sched.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Past the end of the first frame but not the second.
	out.Advance(playback.DefaultSafetyOffset + 150*time.Millisecond)

	if got := sched.Queued(); got != 1 {
		t.Errorf("Queued = %d, want 1 after first frame completes", got)
	}

	out.Advance(time.Second)
	if got := sched.Queued(); got != 0 {
		t.Errorf("Queued = %d, want 0 after all frames complete", got)
	}
}

func TestWithSafetyOffset(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out, playback.WithSafetyOffset(200*time.Millisecond))

	start, err := sched.Enqueue(frameOf(t, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if start != 200*time.Millisecond {
		t.Errorf("start = %v, want 200ms", start)
	}
}

func TestQueueObserverTracksDepth(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	depth := 0
	sched := playback.NewScheduler(out, playback.WithQueueObserver(func(delta int) {
		depth += delta
	}))

	frame := frameOf(t, 100*time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := sched.Enqueue(frame); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if depth != 3 {
		t.Errorf("depth after 3 enqueues = %d, want 3", depth)
	}

	// First frame completes naturally.
	out.Advance(playback.DefaultSafetyOffset + 150*time.Millisecond)
	if depth != 2 {
		t.Errorf("depth after one completion = %d, want 2", depth)
	}

	sched.Flush()
	if depth != 0 {
		t.Errorf("depth after Flush = %d, want 0", depth)
	}
}

func TestEnqueuePropagatesDeviceError(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	out.PlayErr = audio.ErrDeviceUnavailable
	sched := playback.NewScheduler(out)

	if _, err := sched.Enqueue(frameOf(t, 100*time.Millisecond)); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Enqueue err = %v, want ErrDeviceUnavailable", err)
	}
	if got := sched.Queued(); got != 0 {
		t.Errorf("Queued = %d, want 0 after failed Play", got)
	}
}

func TestCloseRejectsFurtherEnqueues(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	sched := playback.NewScheduler(out)

	if _, err := sched.Enqueue(frameOf(t, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sched.Close()
	sched.Close() // idempotent

	if _, err := sched.Enqueue(frameOf(t, 100*time.Millisecond)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if src := out.Sources()[0]; !src.Stopped() {
		t.Error("Close did not stop the queued source")
	}
}
