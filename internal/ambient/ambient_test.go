package ambient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

type fakeHandle struct {
	mu      sync.Mutex
	playing bool
	volume  float64
	closed  bool
	starts  int
}

func (h *fakeHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	h.starts++
	return nil
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
}

func (h *fakeHandle) SetVolume(level float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = level
}

func (h *fakeHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.playing = false
}

func (h *fakeHandle) CurrentVolume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

// fakeFactory records creation order and can fail specific tracks.
type fakeFactory struct {
	mu       sync.Mutex
	handles  map[string]*fakeHandle
	order    []string
	created  []time.Time
	failures map[string]int // attempts that must fail before success; -1 fails forever
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		handles:  make(map[string]*fakeHandle),
		failures: make(map[string]int),
	}
}

func (f *fakeFactory) factory(sound track.AmbientSound) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, sound.ID)
	f.created = append(f.created, time.Now())

	if n, ok := f.failures[sound.ID]; ok {
		if n < 0 {
			return nil, errors.New("device unavailable")
		}
		if n > 0 {
			f.failures[sound.ID] = n - 1
			return nil, errors.New("device busy")
		}
	}

	h := &fakeHandle{}
	f.handles[sound.ID] = h
	return h, nil
}

func (f *fakeFactory) handle(id string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[id]
}

func (f *fakeFactory) attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.order {
		if got == id {
			n++
		}
	}
	return n
}

func testSounds() []track.AmbientSound {
	return []track.AmbientSound{
		{ID: "rain", Name: "Rain", SourcePath: "ambient/rain.mp3"},
		{ID: "crickets", Name: "Crickets", SourcePath: "ambient/crickets.mp3"},
		{ID: "ocean", Name: "Ocean", SourcePath: "ambient/ocean.mp3"},
	}
}

func fastOpts() Options {
	return Options{
		FadeIn:         20 * time.Millisecond,
		FadeOut:        20 * time.Millisecond,
		Stagger:        5 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		MaxInitRetries: 3,
	}
}

func gateOpen() bool { return true }

func TestInitBringsTracksUpSequentially(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	f.mu.Lock()
	order := append([]string(nil), f.order...)
	f.mu.Unlock()

	expected := []string{"rain", "crickets", "ocean"}
	if len(order) != len(expected) {
		t.Fatalf("created %d handles, want %d", len(order), len(expected))
	}
	for i, id := range expected {
		if order[i] != id {
			t.Errorf("bring-up order[%d] = %s, want %s", i, order[i], id)
		}
	}
}

func TestInitRetriesBeforeMarkingFailed(t *testing.T) {
	f := newFakeFactory()
	f.failures["crickets"] = -1 // Never succeeds
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if got := f.attempts("crickets"); got != 3 {
		t.Errorf("failed track got %d init attempts, want 3", got)
	}

	statuses := make(map[string]Status)
	for _, s := range m.Statuses() {
		statuses[s.ID] = s
	}
	if !statuses["crickets"].Failed {
		t.Error("crickets not marked failed after exhausting retries")
	}
	// One failed track must not block the rest of the set
	if statuses["ocean"].Failed {
		t.Error("ocean should have initialized despite crickets failing")
	}
}

func TestInitRecoversWithinRetryBudget(t *testing.T) {
	f := newFakeFactory()
	f.failures["rain"] = 2 // Fails twice, succeeds on third attempt
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := f.attempts("rain"); got != 3 {
		t.Errorf("rain got %d attempts, want 3", got)
	}
	if m.Statuses()[0].Failed {
		t.Error("rain marked failed despite succeeding within the retry budget")
	}
}

func TestSetVolumeIgnoresFailedTrack(t *testing.T) {
	f := newFakeFactory()
	f.failures["crickets"] = -1
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.SetVolume("crickets", 0.8)
	if got := m.Volume("crickets"); got != 0 {
		t.Errorf("failed track accepted volume %v", got)
	}

	// Healthy tracks stay controllable
	m.SetVolume("rain", 0.5)
	if got := m.Volume("rain"); got != 0.5 {
		t.Errorf("rain volume = %v, want 0.5", got)
	}
	if !f.handle("rain").Playing() {
		t.Error("rain should be playing after volume raise")
	}
}

func TestRecoverRestoresFailedTrack(t *testing.T) {
	f := newFakeFactory()
	f.failures["ocean"] = -1
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	delete(f.failures, "ocean") // Device became available again
	f.mu.Unlock()

	if err := m.Recover(context.Background(), "ocean"); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	m.SetVolume("ocean", 0.4)
	if got := m.Volume("ocean"); got != 0.4 {
		t.Errorf("recovered track volume = %v, want 0.4", got)
	}
}

func TestVolumeRaiseGatedOnPrimary(t *testing.T) {
	f := newFakeFactory()
	var mu sync.Mutex
	active := false
	gate := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active
	}
	m := NewMixer(testSounds(), f.factory, gate, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.SetVolume("rain", 0.7)
	if got := m.Volume("rain"); got != 0 {
		t.Errorf("volume raised to %v while primary inactive", got)
	}

	mu.Lock()
	active = true
	mu.Unlock()
	m.SetVolume("rain", 0.7)
	if got := m.Volume("rain"); got != 0.7 {
		t.Errorf("volume = %v after primary became active, want 0.7", got)
	}
}

func TestFadeReachesTarget(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.SetVolume("rain", 1.0)
	h := f.handle("rain")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.CurrentVolume() == 1.0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.CurrentVolume(); got != 1.0 {
		t.Fatalf("fade-in never reached target, volume = %v", got)
	}

	// Fade to zero stops the handle once the fade completes
	m.SetVolume("rain", 0)
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !h.Playing() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Playing() {
		t.Error("track still playing after fade to zero")
	}
}

func TestPauseAllAndResumeAllAreIdempotent(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.SetVolume("rain", 0.6)
	m.SetVolume("ocean", 0.3)

	m.PauseAll()
	m.PauseAll() // Second call must not clobber the remembered volumes

	if f.handle("rain").Playing() || f.handle("ocean").Playing() {
		t.Fatal("tracks still playing after PauseAll")
	}

	m.ResumeAll()
	m.ResumeAll()

	if !f.handle("rain").Playing() {
		t.Error("rain not restored by ResumeAll")
	}
	if !f.handle("ocean").Playing() {
		t.Error("ocean not restored by ResumeAll")
	}
	if got := m.Volume("rain"); got != 0.6 {
		t.Errorf("rain volume after resume = %v, want 0.6", got)
	}
	if got := m.Volume("ocean"); got != 0.3 {
		t.Errorf("ocean volume after resume = %v, want 0.3", got)
	}

	// A track that was silent before the pause stays silent
	if f.handle("crickets").Playing() {
		t.Error("crickets resumed despite never being started")
	}
}

func TestVolumeIgnoredWhilePaused(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.PauseAll()
	m.SetVolume("rain", 0.9)
	if f.handle("rain").Playing() {
		t.Error("volume raise started a track while the mixer was paused")
	}
	m.ResumeAll()
}

func TestZeroVolumeDuringPauseWindowIsNotRestored(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())
	defer m.Close()

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.SetVolume("rain", 0.6)
	m.PauseAll()
	m.SetVolume("rain", 0) // Silenced while the layer is paused for a seek

	m.ResumeAll()

	if f.handle("rain").Playing() {
		t.Error("rain restarted despite being silenced during the pause window")
	}
	if got := m.Volume("rain"); got != 0 {
		t.Errorf("rain volume after resume = %v, want 0", got)
	}
}

func TestCloseReleasesHandles(t *testing.T) {
	f := newFakeFactory()
	m := NewMixer(testSounds(), f.factory, gateOpen, fastOpts())

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.SetVolume("rain", 0.5)
	m.Close()
	m.Close() // Idempotent

	for _, id := range []string{"rain", "crickets", "ocean"} {
		h := f.handle(id)
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if !closed {
			t.Errorf("handle %s not closed", id)
		}
	}
}
