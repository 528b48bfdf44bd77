package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/akumarsingh35/dozlo-sub000/internal/engine"
	"github.com/akumarsingh35/dozlo-sub000/internal/mediasession"
	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
	"github.com/akumarsingh35/dozlo-sub000/internal/signing"
	"github.com/akumarsingh35/dozlo-sub000/internal/stability"
	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

type fakeAmbient struct {
	mu      sync.Mutex
	paused  bool
	pauses  int
	resumes int
}

func (f *fakeAmbient) PauseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}

func (f *fakeAmbient) ResumeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumes++
}

type harness struct {
	coord   *Coordinator
	bridge  *mediasession.ChannelBridge
	monitor *stability.Monitor
	resume  *ResumeStore
	srv     *httptest.Server
	signs   *atomic.Int32
	gates   sync.Map // path → chan struct{} holding the response open

	mu      sync.Mutex
	engines []*engine.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, retry.NewEngine(10*time.Millisecond, 2, 3))
}

func newHarnessWith(t *testing.T, retries *retry.Engine) *harness {
	t.Helper()

	h := &harness{signs: &atomic.Int32{}}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		n := h.signs.Add(1)
		if g, ok := h.gates.Load(path); ok {
			<-g.(chan struct{})
		}
		fmt.Fprintf(w, `{"url":"http://media.test/%s?n=%d","expiresAt":%d}`,
			path, n, time.Now().Add(time.Hour).Unix())
	}))
	t.Cleanup(h.srv.Close)

	urls := signing.NewManager(signing.Options{
		BaseURL: h.srv.URL,
		Secret:  "test-secret",
	})
	h.monitor = stability.NewMonitor(resty.New(), stability.Options{})
	t.Cleanup(h.monitor.Close)
	h.bridge = mediasession.NewChannelBridge()

	var err error
	h.resume, err = NewResumeStore(filepath.Join(t.TempDir(), "resume.yml"))
	if err != nil {
		t.Fatal(err)
	}

	factory := func() (engine.Engine, error) {
		m := engine.NewMock(300 * time.Second)
		h.mu.Lock()
		h.engines = append(h.engines, m)
		h.mu.Unlock()
		return m, nil
	}

	h.coord = NewCoordinator(Deps{
		URLs:      urls,
		Ambient:   &fakeAmbient{},
		Monitor:   h.monitor,
		Bridge:    h.bridge,
		Resume:    h.resume,
		Retries:   retries,
		NewEngine: factory,
	}, Options{
		SessionTimeout: 2 * time.Second,
		ExpiryCheck:    time.Hour,
		Adapter: engine.AdapterOptions{
			UITick:        20 * time.Millisecond,
			PersistTick:   30 * time.Millisecond,
			Watchdog:      time.Hour,
			SeekTolerance: time.Second,
			SeekTimeout:   500 * time.Millisecond,
		},
	})
	h.coord.Start()
	t.Cleanup(h.coord.Close)
	return h
}

// blockSigning holds every signing response for path open until the
// returned channel is closed.
func (h *harness) blockSigning(path string) chan struct{} {
	ch := make(chan struct{})
	h.gates.Store(path, ch)
	return ch
}

func (h *harness) engine(i int) *engine.Mock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testTrack(id string) track.Track {
	return track.Track{
		ID:         id,
		Title:      "Track " + id,
		Artist:     "Artist",
		SourcePath: "media/" + id + ".mp3",
	}
}

func TestRequestSameTrackTogglesPause(t *testing.T) {
	h := newHarness(t)
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatalf("first request error = %v", err)
	}
	if got := h.coord.Status().State; got != StatePlaying {
		t.Fatalf("state = %s, want playing", got)
	}

	// Same track again: pause, not a second engine
	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatalf("toggle request error = %v", err)
	}
	if got := h.coord.Status().State; got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if n := h.engineCount(); n != 1 {
		t.Errorf("engines created = %d, want 1", n)
	}
	if h.engine(0).Playing() {
		t.Error("engine still playing after pause toggle")
	}

	// Third request resumes
	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatalf("resume request error = %v", err)
	}
	if got := h.coord.Status().State; got != StatePlaying {
		t.Errorf("state = %s, want playing", got)
	}
	if n := h.engineCount(); n != 1 {
		t.Errorf("engines created = %d, want 1", n)
	}
}

func TestNewTrackSupersedesSession(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.RequestPlayback(context.Background(), testTrack("a")); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.RequestPlayback(context.Background(), testTrack("b")); err != nil {
		t.Fatal(err)
	}

	if n := h.engineCount(); n != 2 {
		t.Fatalf("engines created = %d, want 2", n)
	}
	if !h.engine(0).Closed() {
		t.Error("superseded engine not released")
	}
	if !h.engine(1).Playing() {
		t.Error("new engine not playing")
	}
	if got := h.coord.Status().Track.ID; got != "b" {
		t.Errorf("active track = %s, want b", got)
	}
}

func TestLateResolutionOfSupersededRequestIsDiscarded(t *testing.T) {
	h := newHarness(t)
	release := h.blockSigning("media/a.mp3")

	done := make(chan error, 1)
	go func() {
		done <- h.coord.RequestPlayback(context.Background(), testTrack("a"))
	}()
	waitFor(t, time.Second, func() bool {
		return h.signs.Load() >= 1
	}, "first request never reached the signing endpoint")

	// B takes over while A is still parked on the signing endpoint
	if err := h.coord.RequestPlayback(context.Background(), testTrack("b")); err != nil {
		t.Fatal(err)
	}

	close(release)

	err := <-done
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("late request error = %v, want ErrSuperseded", err)
	}

	// A's late completion must not have touched B's session
	if n := h.engineCount(); n != 1 {
		t.Fatalf("engines created = %d, want 1 (no engine for the stale request)", n)
	}
	if !h.engine(0).Playing() {
		t.Error("active engine stopped by the stale completion")
	}
	if got := h.coord.Status().Track.ID; got != "b" {
		t.Errorf("active track = %s, want b", got)
	}
	if got := h.coord.Status().State; got != StatePlaying {
		t.Errorf("state = %s, want playing", got)
	}
}

func TestRequestRefusedDuringFailureStreak(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.monitor.RecordPlaybackError()
	}
	err := h.coord.RequestPlayback(context.Background(), testTrack("a"))
	if !errors.Is(err, ErrPausedForStability) {
		t.Fatalf("error = %v, want ErrPausedForStability", err)
	}
	if n := h.engineCount(); n != 0 {
		t.Errorf("engines created = %d, want 0", n)
	}
}

func TestInvalidTrackRejected(t *testing.T) {
	h := newHarness(t)
	err := h.coord.RequestPlayback(context.Background(), track.Track{ID: "x"})
	if !errors.Is(err, ErrInvalidTrack) {
		t.Fatalf("error = %v, want ErrInvalidTrack", err)
	}
}

func TestResumePositionRoundTrip(t *testing.T) {
	h := newHarness(t)
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	h.engine(0).SetPosition(90 * time.Second)
	waitFor(t, 2*time.Second, func() bool {
		return h.resume.Position(tr.ID) > 0
	}, "position never persisted")

	saved := h.resume.Position(tr.ID)
	if diff := saved - 90*time.Second; diff < -time.Second || diff > time.Second {
		t.Fatalf("saved position = %v, want 90s +-1s", saved)
	}

	// Switch away and back: playback restores the saved position
	if err := h.coord.RequestPlayback(context.Background(), testTrack("b")); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	restored := h.engine(2)
	waitFor(t, 2*time.Second, func() bool {
		return len(restored.SeekCalls()) > 0
	}, "restored session never sought to the saved position")

	got := restored.SeekCalls()[0]
	if diff := got - saved; diff < -time.Second || diff > time.Second {
		t.Errorf("restored position = %v, want %v +-1s", got, saved)
	}
}

func TestFinishedTrackClearsResumeAndIdles(t *testing.T) {
	h := newHarness(t)
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	h.engine(0).SetPosition(200 * time.Second)
	waitFor(t, 2*time.Second, func() bool {
		return h.resume.Position(tr.ID) > 0
	}, "position never persisted")

	h.engine(0).FinishTrack()

	waitFor(t, 2*time.Second, func() bool {
		return h.coord.Status().State == StateIdle
	}, "coordinator never returned to idle")
	if got := h.resume.Position(tr.ID); got != 0 {
		t.Errorf("resume position = %v after finish, want 0", got)
	}
	waitFor(t, time.Second, func() bool {
		return h.bridge.Clears() > 0
	}, "media surface never cleared")
}

func TestMidPlaybackErrorRecoversOnFreshURL(t *testing.T) {
	h := newHarness(t)
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	if h.signs.Load() != 1 {
		t.Fatalf("sign requests = %d, want 1", h.signs.Load())
	}

	h.engine(0).SetPosition(120 * time.Second)
	h.engine(0).FailAsync(retry.Wrap(retry.KindLoad, errors.New("url expired")))

	// The coordinator must refresh the URL and swap without losing
	// position or creating a second engine
	waitFor(t, 3*time.Second, func() bool {
		return len(h.engine(0).LoadCalls()) == 2
	}, "no reload after mid-playback failure")

	waitFor(t, time.Second, func() bool {
		return h.engine(0).Playing() && h.engine(0).Position() == 120*time.Second
	}, "position or play state lost across the swap")

	if h.signs.Load() != 2 {
		t.Errorf("sign requests = %d, want 2 (fresh URL issued)", h.signs.Load())
	}
	if n := h.engineCount(); n != 1 {
		t.Errorf("engines created = %d, want 1", n)
	}
	waitFor(t, time.Second, func() bool {
		return h.coord.Status().State == StatePlaying
	}, "state never returned to playing")
}

func TestTerminalFailureCancelsPendingRetries(t *testing.T) {
	// One allowed attempt: the first error schedules a delayed retry,
	// the second exhausts the budget and tears the session down. The
	// pending retry must then find the session stale instead of
	// resurrecting the closed engine.
	h := newHarnessWith(t, retry.NewEngine(150*time.Millisecond, 2, 1))
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	h.engine(0).FailAsync(retry.Wrap(retry.KindPlay, errors.New("decoder underrun")))
	time.Sleep(50 * time.Millisecond) // let the first error schedule its retry
	h.engine(0).FailAsync(retry.Wrap(retry.KindPlay, errors.New("decoder underrun")))

	waitFor(t, 2*time.Second, func() bool {
		return h.coord.Status().State == StateIdle && h.engine(0).Closed()
	}, "session never reached terminal idle")
	loads := len(h.engine(0).LoadCalls())

	// Outlive the scheduled retry delay
	time.Sleep(300 * time.Millisecond)

	if got := h.coord.Status().State; got != StateIdle {
		t.Errorf("state = %s after the pending retry delay elapsed, want idle", got)
	}
	if n := len(h.engine(0).LoadCalls()); n != loads {
		t.Errorf("loads = %d, want %d (closed engine must not be reloaded)", n, loads)
	}
	if h.engine(0).Playing() {
		t.Error("closed engine restarted by a stale retry")
	}
}

func TestMediaControlsRouteThroughCoordinator(t *testing.T) {
	h := newHarness(t)
	tr := testTrack("a")

	if err := h.coord.RequestPlayback(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	h.bridge.Emit(mediasession.Control{Kind: mediasession.ControlToggle})
	waitFor(t, time.Second, func() bool {
		return h.coord.Status().State == StatePaused
	}, "toggle control never paused playback")

	h.bridge.Emit(mediasession.Control{Kind: mediasession.ControlPlay})
	waitFor(t, time.Second, func() bool {
		return h.coord.Status().State == StatePlaying
	}, "play control never resumed playback")

	h.bridge.Emit(mediasession.Control{Kind: mediasession.ControlSeekTo, SeekTo: 60 * time.Second})
	waitFor(t, time.Second, func() bool {
		calls := h.engine(0).SeekCalls()
		return len(calls) > 0 && calls[len(calls)-1] == 60*time.Second
	}, "seek control never reached the engine")
}

func TestSeekPassesThroughSeekingState(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.RequestPlayback(context.Background(), testTrack("a")); err != nil {
		t.Fatal(err)
	}
	h.engine(0).SeekApplyDelay = 300 * time.Millisecond

	if err := h.coord.Seek(90 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := h.coord.Status().State; got != StateSeeking {
		t.Fatalf("state after seek request = %s, want seeking", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.coord.Status().State == StatePlaying
	}, "state never returned to playing after the seek confirmed")
	if got := h.coord.Status().Position; got < 89*time.Second {
		t.Errorf("position after seek = %v, want ~90s", got)
	}
}

func TestStopClearsMediaSurface(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.RequestPlayback(context.Background(), testTrack("a")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		return h.bridge.Last().Playback == mediasession.PlaybackPlaying
	}, "surface never saw the playing state")

	h.coord.Stop()

	if got := h.coord.Status().State; got != StateIdle {
		t.Errorf("state after Stop = %s, want idle", got)
	}
	if h.bridge.Clears() == 0 {
		t.Error("surface not cleared on Stop")
	}
	if !h.engine(0).Closed() {
		t.Error("engine not released on Stop")
	}
}

func TestAmbientGateFollowsPrimary(t *testing.T) {
	h := newHarness(t)
	gate := h.coord.AmbientGate()

	if gate() {
		t.Error("gate open while idle")
	}

	if err := h.coord.RequestPlayback(context.Background(), testTrack("a")); err != nil {
		t.Fatal(err)
	}
	if !gate() {
		t.Error("gate closed while playing")
	}

	h.coord.ToggleMute()
	if gate() {
		t.Error("gate open while muted")
	}
	h.coord.ToggleMute()
	if !gate() {
		t.Error("gate closed after unmute")
	}

	if err := h.coord.Pause(); err != nil {
		t.Fatal(err)
	}
	if gate() {
		t.Error("gate open while paused")
	}
}

func TestMuteRestoresVolume(t *testing.T) {
	h := newHarness(t)

	if err := h.coord.RequestPlayback(context.Background(), testTrack("a")); err != nil {
		t.Fatal(err)
	}
	h.coord.SetVolume(65)
	if h.engine(0).Volume() != 65 {
		t.Fatalf("volume = %d, want 65", h.engine(0).Volume())
	}

	h.coord.ToggleMute()
	if h.engine(0).Volume() != 0 {
		t.Errorf("volume while muted = %d, want 0", h.engine(0).Volume())
	}
	if h.coord.Volume() != 65 {
		t.Errorf("remembered volume = %d, want 65", h.coord.Volume())
	}

	h.coord.ToggleMute()
	if h.engine(0).Volume() != 65 {
		t.Errorf("volume after unmute = %d, want 65", h.engine(0).Volume())
	}
}

func TestResumeStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.yml")

	s, err := NewResumeStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Set("a", 90*time.Second)
	s.Set("b", 10*time.Second)
	s.Clear("b")
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := NewResumeStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Position("a"); got != 90*time.Second {
		t.Errorf("Position(a) = %v, want 90s", got)
	}
	if got := reloaded.Position("b"); got != 0 {
		t.Errorf("Position(b) = %v, want 0 after Clear", got)
	}
}
