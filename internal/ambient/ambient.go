// Package ambient manages the secondary looping sound layer (rain,
// crickets, ocean) sharing the audio output with the primary track.
package ambient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

const (
	DefaultFadeIn         = 200 * time.Millisecond
	DefaultFadeOut        = 500 * time.Millisecond
	DefaultStagger        = 100 * time.Millisecond
	DefaultMaxInitRetries = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond

	fadeSteps = 10
)

// Handle is an opaque per-track engine resource, exclusively owned by
// the mixer.
type Handle interface {
	Start() error
	Stop()
	SetVolume(level float64)
	Playing() bool
	Close()
}

// HandleFactory creates the engine handle for one ambient sound.
// Creation touches the shared audio output, which is why bring-up is
// staggered.
type HandleFactory func(sound track.AmbientSound) (Handle, error)

// GateFunc reports whether ambient volume may be raised: the primary
// session must be actively playing, unmuted and not mid-seek.
type GateFunc func() bool

// Status is a read-only view of one ambient track for the UI.
type Status struct {
	ID      string
	Name    string
	Volume  float64
	Failed  bool
	Playing bool
}

// Options are the mixer's timing and retry policies. Zero values fall
// back to defaults.
type Options struct {
	FadeIn         time.Duration
	FadeOut        time.Duration
	Stagger        time.Duration
	RetryBaseDelay time.Duration
	MaxInitRetries int
}

func (o Options) withDefaults() Options {
	if o.FadeIn <= 0 {
		o.FadeIn = DefaultFadeIn
	}
	if o.FadeOut <= 0 {
		o.FadeOut = DefaultFadeOut
	}
	if o.Stagger <= 0 {
		o.Stagger = DefaultStagger
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.MaxInitRetries <= 0 {
		o.MaxInitRetries = DefaultMaxInitRetries
	}
	return o
}

type trackState struct {
	sound         track.AmbientSound
	handle        Handle
	targetVolume  float64
	currentVolume float64
	failed        bool
	retryAttempts int
	playing       bool
	fadeCancel    chan struct{}
}

// Mixer owns the ambient track set. The set is created once at startup
// and persists across playback sessions; only volume and failure state
// change.
type Mixer struct {
	factory HandleFactory
	gate    GateFunc
	opts    Options

	mu            sync.Mutex
	tracks        map[string]*trackState
	order         []string
	paused        bool
	resumeVolumes map[string]float64
	closed        bool
	wg            sync.WaitGroup
}

func NewMixer(sounds []track.AmbientSound, factory HandleFactory, gate GateFunc, opts Options) *Mixer {
	m := &Mixer{
		factory:       factory,
		gate:          gate,
		opts:          opts.withDefaults(),
		tracks:        make(map[string]*trackState, len(sounds)),
		resumeVolumes: make(map[string]float64),
	}
	for _, s := range sounds {
		m.tracks[s.ID] = &trackState{sound: s}
		m.order = append(m.order, s.ID)
	}
	return m
}

// Init brings up the ambient tracks sequentially, one at a time with a
// short stagger between each, so the shared audio resource is never
// acquired concurrently. Each track gets bounded retries; a track that
// exhausts them is marked failed and excluded from volume operations
// until Recover is called.
func (m *Mixer) Init(ctx context.Context) error {
	for i, id := range m.order {
		m.mu.Lock()
		t := m.tracks[id]
		m.mu.Unlock()

		m.initTrack(ctx, t)

		if i < len(m.order)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.opts.Stagger):
			}
		}
	}
	return ctx.Err()
}

func (m *Mixer) initTrack(ctx context.Context, t *trackState) {
	for attempt := 1; attempt <= m.opts.MaxInitRetries; attempt++ {
		handle, err := m.factory(t.sound)
		if err == nil {
			m.mu.Lock()
			t.handle = handle
			t.failed = false
			t.retryAttempts = attempt - 1
			m.mu.Unlock()
			log.Debug().Str("track", t.sound.ID).Msg("Ambient track initialized")
			return
		}

		log.Warn().Err(err).
			Str("track", t.sound.ID).
			Int("attempt", attempt).
			Int("max", m.opts.MaxInitRetries).
			Msg("Ambient track init failed")

		m.mu.Lock()
		t.retryAttempts = attempt
		m.mu.Unlock()

		if attempt < m.opts.MaxInitRetries {
			delay := m.opts.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	m.mu.Lock()
	t.failed = true
	m.mu.Unlock()
	log.Error().Str("track", t.sound.ID).Msg("Ambient track marked failed after exhausting retries")
}

// Recover resets a failed track and re-attempts initialization.
func (m *Mixer) Recover(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tracks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown ambient track %q", id)
	}
	t.failed = false
	t.retryAttempts = 0
	if t.handle != nil {
		t.handle.Close()
		t.handle = nil
	}
	t.playing = false
	t.currentVolume = 0
	m.mu.Unlock()

	m.initTrack(ctx, t)

	m.mu.Lock()
	failed := t.failed
	m.mu.Unlock()
	if failed {
		return fmt.Errorf("ambient track %q failed to recover", id)
	}
	return nil
}

// SetVolume fades the track toward level. Raising volume is gated on
// the primary session being actively playing and unmuted with no seek
// in progress; a failed track is a no-op until recovered.
func (m *Mixer) SetVolume(id string, level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	m.mu.Lock()
	t, ok := m.tracks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if t.failed || t.handle == nil {
		m.mu.Unlock()
		log.Debug().Str("track", id).Msg("Volume ignored for failed ambient track")
		return
	}
	if m.paused {
		// A zero set during a pause window is intent, not a fade: record
		// it so ResumeAll does not restore the old level.
		if level == 0 {
			t.targetVolume = 0
			t.currentVolume = 0
			delete(m.resumeVolumes, id)
		}
		m.mu.Unlock()
		log.Debug().Str("track", id).Float64("level", level).Msg("Volume change ignored while ambient layer is paused")
		return
	}
	if level > 0 && !m.gate() {
		m.mu.Unlock()
		log.Debug().Str("track", id).Msg("Volume raise ignored while primary is inactive")
		return
	}

	t.targetVolume = level
	window := m.opts.FadeIn
	if level == 0 {
		window = m.opts.FadeOut
	}

	if level > 0 && !t.playing {
		if err := t.handle.Start(); err != nil {
			m.mu.Unlock()
			log.Warn().Err(err).Str("track", id).Msg("Ambient track failed to start")
			return
		}
		t.playing = true
	}

	m.startFadeLocked(t, level, window)
	m.mu.Unlock()
}

// startFadeLocked replaces any running fade on t with a stepped fade to
// target over window. Caller holds m.mu.
func (m *Mixer) startFadeLocked(t *trackState, target float64, window time.Duration) {
	if t.fadeCancel != nil {
		close(t.fadeCancel)
	}
	cancel := make(chan struct{})
	t.fadeCancel = cancel

	from := t.currentVolume
	step := window / fadeSteps

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for i := 1; i <= fadeSteps; i++ {
			select {
			case <-cancel:
				return
			case <-time.After(step):
			}

			level := from + (target-from)*float64(i)/fadeSteps

			m.mu.Lock()
			if t.fadeCancel != cancel {
				m.mu.Unlock()
				return
			}
			t.currentVolume = level
			t.handle.SetVolume(level)
			if i == fadeSteps && target == 0 && t.playing {
				t.handle.Stop()
				t.playing = false
			}
			m.mu.Unlock()
		}
	}()
}

// PauseAll silences every ambient track, remembering what to restore.
// Repeated calls are no-ops beyond the first. Invoked around seeks and
// URL refreshes.
func (m *Mixer) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return
	}
	m.paused = true

	for id, t := range m.tracks {
		if t.fadeCancel != nil {
			close(t.fadeCancel)
			t.fadeCancel = nil
		}
		if t.playing {
			m.resumeVolumes[id] = t.targetVolume
			t.handle.Stop()
			t.playing = false
		}
	}
	log.Debug().Int("tracks", len(m.resumeVolumes)).Msg("Ambient tracks paused")
}

// ResumeAll restores the tracks PauseAll silenced. Idempotent.
func (m *Mixer) ResumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.paused {
		return
	}
	m.paused = false

	for id, level := range m.resumeVolumes {
		t := m.tracks[id]
		if t == nil || t.failed || t.handle == nil {
			continue
		}
		t.handle.SetVolume(level)
		if err := t.handle.Start(); err != nil {
			log.Warn().Err(err).Str("track", id).Msg("Ambient track failed to resume")
			continue
		}
		t.playing = true
		t.currentVolume = level
		t.targetVolume = level
	}
	m.resumeVolumes = make(map[string]float64)
	log.Debug().Msg("Ambient tracks resumed")
}

// Statuses returns a stable-ordered view of the ambient set.
func (m *Mixer) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		t := m.tracks[id]
		out = append(out, Status{
			ID:      id,
			Name:    t.sound.Name,
			Volume:  t.targetVolume,
			Failed:  t.failed,
			Playing: t.playing,
		})
	}
	return out
}

// Volume returns the current target volume for a track.
func (m *Mixer) Volume(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracks[id]; ok {
		return t.targetVolume
	}
	return 0
}

// Close releases every handle. The mixer cannot be reused afterwards.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, t := range m.tracks {
		if t.fadeCancel != nil {
			close(t.fadeCancel)
			t.fadeCancel = nil
		}
		if t.handle != nil {
			t.handle.Close()
			t.handle = nil
		}
		t.playing = false
	}
	m.mu.Unlock()

	m.wg.Wait()
}
