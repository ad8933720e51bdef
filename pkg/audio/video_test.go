package audio_test

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/quranwithtahir/talaqqi/pkg/audio"
	"github.com/quranwithtahir/talaqqi/pkg/audio/mock"
)

// testImage builds a small frame with enough detail that JPEG quality
// actually affects output size.
func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x * y), A: 255})
		}
	}
	return img
}

func TestCompressJPEGRespectsCeiling(t *testing.T) {
	t.Parallel()

	img := testImage(320, 240)

	full, err := audio.CompressJPEG(img, 90, 0)
	if err != nil {
		t.Fatalf("CompressJPEG unlimited: %v", err)
	}

	// Force at least one re-compression pass.
	ceiling := len(full) / 2
	bounded, err := audio.CompressJPEG(img, 90, ceiling)
	if err != nil {
		t.Fatalf("CompressJPEG bounded: %v", err)
	}
	if len(bounded) > ceiling {
		t.Errorf("bounded frame is %d bytes, ceiling %d", len(bounded), ceiling)
	}
}

func TestCompressJPEGFailsBelowQualityFloor(t *testing.T) {
	t.Parallel()

	img := testImage(320, 240)
	if _, err := audio.CompressJPEG(img, 40, 10); err == nil {
		t.Error("want error for unreachable 10-byte ceiling, got nil")
	}
}

func TestVideoSamplerCadence(t *testing.T) {
	t.Parallel()

	dev := &mock.Video{}
	dev.SetFrame(testImage(64, 48))

	sampler := audio.NewVideoSampler(dev, audio.VideoSamplerConfig{FrameRate: 20})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sampler.Run(ctx)

	var frames int
	for range sampler.Frames() {
		frames++
	}

	// 20 Hz over 1 s: expect ≈20 frames, with generous slack for scheduler
	// jitter and compression time.
	if frames < 12 || frames > 24 {
		t.Errorf("sampled %d frames in 1s at 20Hz, want ≈20", frames)
	}
	if got := sampler.Sampled(); got < 12 {
		t.Errorf("Sampled() = %d, want ≥12", got)
	}
}

func TestVideoSamplerSkipsWhenNotReady(t *testing.T) {
	t.Parallel()

	dev := &mock.Video{} // no frame installed: every Grab reports not ready
	sampler := audio.NewVideoSampler(dev, audio.VideoSamplerConfig{FrameRate: 50})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sampler.Run(ctx)

	for range sampler.Frames() {
		t.Error("got frame from a device that never had one ready")
	}
	if sampler.Skipped() == 0 {
		t.Error("Skipped() = 0, want > 0")
	}
	if sampler.Sampled() != 0 {
		t.Errorf("Sampled() = %d, want 0", sampler.Sampled())
	}
}
