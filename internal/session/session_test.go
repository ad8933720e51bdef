package session_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/quranwithtahir/talaqqi/internal/observe"
	"github.com/quranwithtahir/talaqqi/internal/session"
	"github.com/quranwithtahir/talaqqi/internal/transcript"
	"github.com/quranwithtahir/talaqqi/pkg/audio"
	amock "github.com/quranwithtahir/talaqqi/pkg/audio/mock"
	"github.com/quranwithtahir/talaqqi/pkg/duplex"
	dmock "github.com/quranwithtahir/talaqqi/pkg/duplex/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fixture bundles the mocks one session run needs.
type fixture struct {
	input *amock.Input
	out   *amock.Output
	link  *dmock.Session
	prov  *dmock.Provider
}

func newFixture() *fixture {
	link := dmock.NewSession()
	return &fixture{
		input: amock.NewInput(16),
		out:   amock.NewOutput(),
		link:  link,
		prov:  &dmock.Provider{Session: link},
	}
}

func (f *fixture) deps() session.Deps {
	return session.Deps{
		Opener:   &amock.Opener{Device: f.input},
		Output:   f.out,
		Provider: f.prov,
	}
}

// block returns one capture block of n samples at 16 kHz mono.
func block(n int) audio.Block {
	return audio.Block{
		Samples: make([]float32, n),
		Format:  audio.Format{SampleRate: 16000, Channels: 1},
	}
}

// chunk returns an inbound audio chunk lasting d at 24 kHz mono.
func chunk(d time.Duration) duplex.AudioChunk {
	samples := int(d.Seconds() * 24000)
	return duplex.AudioChunk{
		Data:   make([]byte, samples*2),
		Format: audio.Format{SampleRate: 24000, Channels: 1},
	}
}

func TestStartMovesSessionToActive(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation", Voice: "Puck"}, f.deps())

	if got := s.State(); got != session.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.State(); got != session.StateActive {
		t.Errorf("state after Start = %v, want active", got)
	}
	if !s.Active() {
		t.Error("Active() = false after Start")
	}
	if got := s.Status(); got != session.StatusActive {
		t.Errorf("status = %q, want %q", got, session.StatusActive)
	}
	if f.prov.LastConfig.Voice != "Puck" {
		t.Errorf("connect voice = %q, want Puck", f.prov.LastConfig.Voice)
	}
	if f.prov.LastConfig.InputFormat != session.DefaultInputFormat {
		t.Errorf("connect input format = %v, want default", f.prov.LastConfig.InputFormat)
	}
}

func TestStartFailsWhenDeviceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture()
	deps := f.deps()
	deps.Opener = &amock.Opener{Err: fmt.Errorf("portaudio: %w", audio.ErrDeviceUnavailable)}

	s := session.New(session.Config{Mode: "pronunciation"}, deps)
	err := s.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v, want ErrDeviceUnavailable", err)
	}
	if got := s.State(); got != session.StateErrored {
		t.Errorf("state = %v, want errored", got)
	}
	if got := s.Status(); got != session.StatusMicDenied {
		t.Errorf("status = %q, want %q", got, session.StatusMicDenied)
	}
	if f.prov.CallCountConnect != 0 {
		t.Error("Connect called despite device failure")
	}
}

func TestStartFailsWhenConnectFails(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.prov.ConnectErr = fmt.Errorf("gemini: %w: dial refused", duplex.ErrConnect)

	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	err := s.Start(context.Background())
	if !errors.Is(err, duplex.ErrConnect) {
		t.Fatalf("Start err = %v, want ErrConnect", err)
	}
	if got := s.Status(); got != session.StatusLinkFailure {
		t.Errorf("status = %q, want %q", got, session.StatusLinkFailure)
	}
	// The acquired microphone must be released on the failure path.
	if f.input.Emit(block(16)) {
		t.Error("input device still open after failed Start")
	}
}

func TestCaptureFlowsUpstreamInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "memorization"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 3; i++ {
		f.input.Emit(block(4096))
	}

	waitFor(t, func() bool { return len(f.link.Sent()) == 3 }, "captured blocks to be sent")
	for i, p := range f.link.Sent() {
		if p.Kind != duplex.MediaAudio {
			t.Errorf("payload %d kind = %v, want audio", i, p.Kind)
		}
		if p.MIME != "audio/pcm;rate=16000" {
			t.Errorf("payload %d MIME = %q", i, p.MIME)
		}
		if len(p.Data) != 4096*2 {
			t.Errorf("payload %d size = %d, want %d", i, len(p.Data), 4096*2)
		}
	}
}

func TestInboundAudioIsScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "recitation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	f.link.EmitAudio(chunk(500 * time.Millisecond))
	f.link.EmitAudio(chunk(500 * time.Millisecond))

	waitFor(t, func() bool { return len(f.out.Sources()) == 2 }, "inbound audio to be scheduled")
	srcs := f.out.Sources()
	if srcs[1].StartAt != srcs[0].StartAt+500*time.Millisecond {
		t.Errorf("second buffer starts at %v, want gapless %v", srcs[1].StartAt, srcs[0].StartAt+500*time.Millisecond)
	}
}

func TestMalformedInboundAudioIsDroppedNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "recitation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	f.link.EmitAudio(duplex.AudioChunk{
		Data:   []byte{1, 2, 3}, // odd length
		Format: audio.Format{SampleRate: 24000, Channels: 1},
	})
	f.link.EmitAudio(chunk(100 * time.Millisecond))

	waitFor(t, func() bool { return len(f.out.Sources()) == 1 }, "valid chunk to be scheduled")
	if !s.Active() {
		t.Error("session ended on a malformed frame; it must continue")
	}
}

func TestTranscriptsForwardedToStoreAndCallback(t *testing.T) {
	t.Parallel()
	f := newFixture()
	store := transcript.NewMemStore()

	var mu sync.Mutex
	var callbacks []string

	deps := f.deps()
	deps.Transcripts = store
	deps.OnTranscript = func(speaker, text string) {
		mu.Lock()
		callbacks = append(callbacks, speaker+":"+text)
		mu.Unlock()
	}

	s := session.New(session.Config{ID: "t1", Mode: "memorization"}, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	f.link.EmitTranscript(duplex.TranscriptChunk{Speaker: duplex.SpeakerUser, Text: "bismillah"})
	f.link.EmitTranscript(duplex.TranscriptChunk{Speaker: duplex.SpeakerModel, Text: "well recited"})

	waitFor(t, func() bool {
		frags, _ := store.Recent(context.Background(), "t1", 0)
		return len(frags) == 2
	}, "fragments to be stored")

	frags, _ := store.Recent(context.Background(), "t1", 0)
	if frags[0].Speaker != "user" || frags[0].Text != "bismillah" {
		t.Errorf("fragment 0 = %+v", frags[0])
	}
	if frags[1].Speaker != "model" || frags[1].Mode != "memorization" {
		t.Errorf("fragment 1 = %+v", frags[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(callbacks) != 2 || !strings.HasPrefix(callbacks[0], "user:") {
		t.Errorf("callbacks = %v", callbacks)
	}
}

func TestStopIsIdempotentAndClean(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.link.EmitAudio(chunk(500 * time.Millisecond))
	waitFor(t, func() bool { return len(f.out.Sources()) == 1 }, "audio scheduled before stop")

	s.Stop()
	s.Stop()

	if got := s.State(); got != session.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err after clean stop = %v, want nil", err)
	}
	if got := s.Status(); got != session.StatusEnded {
		t.Errorf("status = %q, want %q", got, session.StatusEnded)
	}
	if !f.out.Sources()[0].Stopped() {
		t.Error("queued playback not halted by Stop")
	}
	if f.link.CallCountClose == 0 {
		t.Error("duplex link not closed by Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{}, f.deps())

	s.Stop()
	if got := s.State(); got != session.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := s.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestSessionsAreSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestRemoteCloseEndsSessionCleanly(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.link.Close()

	<-s.Done()
	if got := s.State(); got != session.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestTransportFailureEndsSessionErrored(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.link.Fail(fmt.Errorf("gemini: %w: connection reset", duplex.ErrTransport))

	<-s.Done()
	if got := s.State(); got != session.StateErrored {
		t.Errorf("state = %v, want errored", got)
	}
	if !errors.Is(s.Err(), duplex.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", s.Err())
	}
	if got := s.Status(); got != session.StatusLinkFailure {
		t.Errorf("status = %q, want %q", got, session.StatusLinkFailure)
	}
}

func TestMidSessionDeviceFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.input.Fail(fmt.Errorf("stream lost: %w", audio.ErrDeviceUnavailable))

	<-s.Done()
	if got := s.State(); got != session.StateErrored {
		t.Errorf("state = %v, want errored", got)
	}
	if !errors.Is(s.Err(), audio.ErrDeviceUnavailable) {
		t.Errorf("Err = %v, want ErrDeviceUnavailable", s.Err())
	}
}

// videoOpener adapts a mock camera to the audio.VideoOpener interface.
type videoOpener struct {
	dev *amock.Video
}

func (o videoOpener) OpenVideo(context.Context) (audio.VideoDevice, error) {
	return o.dev, nil
}

func TestVideoFramesFlowUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cam := &amock.Video{}
	cam.SetFrame(image.NewRGBA(image.Rect(0, 0, 16, 16)))

	deps := f.deps()
	deps.Video = videoOpener{dev: cam}

	s := session.New(session.Config{
		Mode:         "classroom",
		Video:        true,
		VideoSampler: audio.VideoSamplerConfig{FrameRate: 50},
	}, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool {
		for _, p := range f.link.Sent() {
			if p.Kind == duplex.MediaImage {
				return true
			}
		}
		return false
	}, "a camera frame to be sent")

	for _, p := range f.link.Sent() {
		if p.Kind == duplex.MediaImage && p.MIME != "image/jpeg" {
			t.Errorf("image payload MIME = %q, want image/jpeg", p.MIME)
		}
	}
}

func TestVideoSkippedTicksReachMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture()
	// A camera that never has a frame ready: every sampler tick is skipped.
	cam := &amock.Video{}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	deps := f.deps()
	deps.Video = videoOpener{dev: cam}
	deps.Metrics = met

	s := session.New(session.Config{
		Mode:         "classroom",
		Video:        true,
		VideoSampler: audio.VideoSamplerConfig{FrameRate: 100},
	}, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Skipped ticks are tallied into the counter when the video loop winds down.
	waitFor(t, func() bool { return cam.Grabs() > 0 }, "the sampler to tick")
	s.Stop()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var skipped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "talaqqi.video.frames" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("talaqqi.video.frames is not a sum")
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "outcome" && kv.Value.AsString() == "skipped" {
						skipped += dp.Value
					}
				}
			}
		}
	}
	if skipped == 0 {
		t.Error("skipped sampler ticks were not recorded")
	}
}

func TestStatusCallbackSequence(t *testing.T) {
	t.Parallel()
	f := newFixture()

	var mu sync.Mutex
	var statuses []string

	deps := f.deps()
	deps.OnStatus = func(status string) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	}

	s := session.New(session.Config{Mode: "pronunciation"}, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{session.StatusConnecting, session.StatusActive, session.StatusEnded}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status %d = %q, want %q", i, statuses[i], want[i])
		}
	}
}

// TestBargeInScenario scripts the full exchange: the remote replies with a
// 0.5 s audio payload shortly after capture starts, then interrupts 100 ms
// later. The queued buffer must stop before it finishes and the next reply
// must re-anchor to the device clock instead of queueing behind dead audio.
func TestBargeInScenario(t *testing.T) {
	t.Parallel()
	f := newFixture()
	s := session.New(session.Config{Mode: "pronunciation"}, f.deps())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// The student speaks.
	f.input.Emit(block(4096))
	waitFor(t, func() bool { return len(f.link.Sent()) == 1 }, "outbound audio")

	// 200 ms later the tutor replies with 0.5 s of speech.
	time.Sleep(200 * time.Millisecond)
	f.link.EmitAudio(chunk(500 * time.Millisecond))
	waitFor(t, func() bool { return len(f.out.Sources()) == 1 }, "reply scheduled")
	first := f.out.Sources()[0]

	// 100 ms into the reply the student barges in.
	time.Sleep(100 * time.Millisecond)
	f.link.EmitInterrupted()

	waitFor(t, func() bool { return first.Stopped() }, "queued buffer stopped by barge-in")
	if first.Ended() {
		t.Error("buffer ran to completion despite the interruption")
	}

	// The tutor's next reply starts after just the safety offset: the cursor
	// was reset, so it does not queue behind the flushed 0.5 s buffer.
	f.link.EmitAudio(chunk(300 * time.Millisecond))
	waitFor(t, func() bool { return len(f.out.Sources()) == 2 }, "new reply scheduled")

	second := f.out.Sources()[1]
	if second.StartAt != first.StartAt {
		t.Errorf("post-interruption start = %v, want re-anchored %v", second.StartAt, first.StartAt)
	}
	if !s.Active() {
		t.Error("session must stay active across a barge-in")
	}
}
