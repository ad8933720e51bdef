// Package synth provides synthetic audio devices for running the pipeline
// end to end without hardware: a sine-wave microphone and a discard output
// sink that honours real playback timing. The talaqqi binary uses them for
// soak testing against the live inference service.
package synth

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
)

// defaultTone is the frequency of the generated test signal in Hz.
const defaultTone = 440.0

// Compile-time assertions that the synthetic devices satisfy the audio
// interfaces.
var _ audio.InputDevice = (*SineInput)(nil)
var _ audio.OutputDevice = (*DiscardOutput)(nil)
var _ audio.Opener = (*Opener)(nil)

// SineInput is an [audio.InputDevice] that produces a continuous sine tone in
// fixed-size blocks at the cadence a real device would: blockSize/sampleRate
// seconds apart.
type SineInput struct {
	format    audio.Format
	blockSize int
	freq      float64

	blocks chan audio.Block
	done   chan struct{}
	once   sync.Once
}

// NewSineInput starts a tone generator. freq <= 0 selects the 440 Hz default.
func NewSineInput(format audio.Format, blockSize int, freq float64) *SineInput {
	if freq <= 0 {
		freq = defaultTone
	}
	s := &SineInput{
		format:    format,
		blockSize: blockSize,
		freq:      freq,
		blocks:    make(chan audio.Block),
		done:      make(chan struct{}),
	}
	go s.generate()
	return s
}

func (s *SineInput) generate() {
	defer close(s.blocks)

	interval := time.Duration(s.blockSize) * time.Second / time.Duration(s.format.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	phase := 0.0
	step := 2 * math.Pi * s.freq / float64(s.format.SampleRate)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			samples := make([]float32, s.blockSize)
			for i := range samples {
				samples[i] = float32(0.5 * math.Sin(phase))
				phase += step
			}
			select {
			case s.blocks <- audio.Block{Samples: samples, Format: s.format}:
			case <-s.done:
				return
			}
		}
	}
}

// Blocks implements [audio.InputDevice].
func (s *SineInput) Blocks() <-chan audio.Block { return s.blocks }

// Err implements [audio.InputDevice]. The generator never fails.
func (s *SineInput) Err() error { return nil }

// Close implements [audio.InputDevice]. Idempotent.
func (s *SineInput) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Opener is an [audio.Opener] that hands out a fresh [SineInput] per session.
type Opener struct {
	// Freq is the tone frequency; zero selects the default.
	Freq float64
}

// Open implements [audio.Opener].
func (o *Opener) Open(_ context.Context, format audio.Format, blockSize int) (audio.InputDevice, error) {
	return NewSineInput(format, blockSize, o.Freq), nil
}

// DiscardOutput is an [audio.OutputDevice] that plays into the void while
// keeping honest time: its clock is monotonic wall time since open, and
// completion callbacks fire when a buffer's scheduled window elapses.
type DiscardOutput struct {
	start time.Time

	mu     sync.Mutex
	closed bool
	timers map[*discardSource]*time.Timer
}

// NewDiscardOutput opens a discard sink with its clock at zero.
func NewDiscardOutput() *DiscardOutput {
	return &DiscardOutput{
		start:  time.Now(),
		timers: make(map[*discardSource]*time.Timer),
	}
}

type discardSource struct {
	out *DiscardOutput
}

// Stop implements [audio.Source].
func (s *discardSource) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	if t, ok := s.out.timers[s]; ok {
		t.Stop()
		delete(s.out.timers, s)
	}
}

// Now implements [audio.OutputDevice].
func (d *DiscardOutput) Now() time.Duration {
	return time.Since(d.start)
}

// Play implements [audio.OutputDevice].
func (d *DiscardOutput) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := &discardSource{out: d}
	delay := at + frame.Duration() - d.Now()
	if delay < 0 {
		delay = 0
	}
	d.timers[src] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, src)
		d.mu.Unlock()
		if onEnded != nil {
			onEnded()
		}
	})
	return src, nil
}

// Close implements [audio.OutputDevice]. Idempotent.
func (d *DiscardOutput) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for src, t := range d.timers {
		t.Stop()
		delete(d.timers, src)
	}
	return nil
}
