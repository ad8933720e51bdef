package audio

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultFrameRate is the camera sampling rate in frames per second.
	DefaultFrameRate = 5

	// DefaultJPEGQuality is the deliberate quality/bandwidth tradeoff for
	// sampled camera frames, on the encoder's 1–100 scale.
	DefaultJPEGQuality = 40

	// qualityStep is how much the quality factor drops on each re-compression
	// attempt for an oversized frame.
	qualityStep = 10

	// minJPEGQuality is the floor below which an oversized frame is dropped
	// instead of re-compressed further.
	minJPEGQuality = 10
)

// CompressJPEG encodes img as JPEG at the given quality. When maxBytes > 0
// and the result exceeds it, the frame is re-compressed at progressively
// lower quality — never split — until it fits or the quality floor is hit,
// in which case an error is returned.
func CompressJPEG(img image.Image, quality, maxBytes int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	for q := quality; q >= minJPEGQuality; q -= qualityStep {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("audio: jpeg encode: %w", err)
		}
		if maxBytes <= 0 || buf.Len() <= maxBytes {
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("audio: frame exceeds %d bytes at minimum quality", maxBytes)
}

// VideoSamplerConfig configures a [VideoSampler].
type VideoSamplerConfig struct {
	// FrameRate in frames per second. Default [DefaultFrameRate].
	FrameRate int

	// JPEGQuality on the encoder's 1–100 scale. Default [DefaultJPEGQuality].
	JPEGQuality int

	// MaxFrameBytes caps the compressed size of one frame. Oversized frames
	// are re-compressed at lower quality. Zero means unlimited.
	MaxFrameBytes int
}

// VideoSampler polls a [VideoDevice] at a fixed low rate, compresses each
// ready frame to a size-bounded JPEG, and forwards the blobs downstream.
//
// The contract is best-effort and lossy: a tick finding no frame ready is
// skipped, a tick arriving while the previous frame is still being compressed
// is absorbed by the ticker, and a blob the consumer is too slow to take is
// dropped. Frames are never queued or retried; the Skipped and Dropped
// counters are the only back-pressure signal.
type VideoSampler struct {
	dev VideoDevice
	cfg VideoSamplerConfig
	out chan []byte

	sampled atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
}

// NewVideoSampler creates a sampler over dev. Zero config fields take the
// package defaults.
func NewVideoSampler(dev VideoDevice, cfg VideoSamplerConfig) *VideoSampler {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	return &VideoSampler{
		dev: dev,
		cfg: cfg,
		out: make(chan []byte, 1),
	}
}

// Frames returns the channel on which compressed JPEG blobs arrive. Closed
// when Run returns.
func (v *VideoSampler) Frames() <-chan []byte { return v.out }

// Sampled returns the number of frames compressed and forwarded so far.
func (v *VideoSampler) Sampled() uint64 { return v.sampled.Load() }

// Skipped returns the number of ticks that found no frame ready.
func (v *VideoSampler) Skipped() uint64 { return v.skipped.Load() }

// Dropped returns the number of compressed frames discarded because the
// consumer was not keeping up.
func (v *VideoSampler) Dropped() uint64 { return v.dropped.Load() }

// Run drives the sampling loop until ctx is cancelled, then closes the
// frames channel and the device. Compression happens inline on the loop
// goroutine, so a slow compression naturally absorbs the ticks it overlaps.
func (v *VideoSampler) Run(ctx context.Context) {
	defer close(v.out)
	defer v.dev.Close()

	ticker := time.NewTicker(time.Second / time.Duration(v.cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			img, ok := v.dev.Grab()
			if !ok {
				v.skipped.Add(1)
				continue
			}
			blob, err := CompressJPEG(img, v.cfg.JPEGQuality, v.cfg.MaxFrameBytes)
			if err != nil {
				slog.Warn("video sampler: frame dropped", "err", err)
				continue
			}
			v.sampled.Add(1)
			select {
			case v.out <- blob:
			default:
				v.dropped.Add(1)
			}
		}
	}
}
