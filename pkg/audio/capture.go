package audio

import (
	"sync"
	"time"
)

// Capture pumps raw blocks from an [InputDevice] through the PCM codec and
// forwards the resulting [AudioFrame] values downstream. Each block is
// encoded and handed off as soon as it arrives — at most one block is in
// flight, and nothing is buffered internally, to keep capture latency at the
// device's own callback cadence.
//
// Capture owns the pump goroutine; Stop halts it synchronously.
type Capture struct {
	dev InputDevice
	out chan AudioFrame

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	errVal  error

	start time.Time
}

// StartCapture begins pumping dev. The returned Capture's Frames channel
// carries one encoded frame per device block, in capture order. The caller
// must call Stop (or close the device) to release the pump goroutine.
func StartCapture(dev InputDevice) *Capture {
	c := &Capture{
		dev:   dev,
		out:   make(chan AudioFrame), // unbuffered: one in-flight frame
		done:  make(chan struct{}),
		start: time.Now(),
	}
	go c.pump()
	return c
}

// Frames returns the channel on which encoded frames arrive. It is closed
// when the device stream ends or Stop is called; check Err afterwards.
func (c *Capture) Frames() <-chan AudioFrame { return c.out }

// Err returns the error that terminated capture, or nil after a clean stop.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal != nil {
		return c.errVal
	}
	return c.dev.Err()
}

// Stop halts the pump and closes the underlying device. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.done)
	c.mu.Unlock()

	_ = c.dev.Close()
}

func (c *Capture) pump() {
	defer close(c.out)

	for {
		select {
		case <-c.done:
			return
		case block, ok := <-c.dev.Blocks():
			if !ok {
				return
			}
			frame := AudioFrame{
				Data:       EncodePCM16(block.Samples),
				SampleRate: block.Format.SampleRate,
				Channels:   block.Format.Channels,
				Timestamp:  time.Since(c.start),
			}
			select {
			case c.out <- frame:
			case <-c.done:
				return
			}
		}
	}
}
