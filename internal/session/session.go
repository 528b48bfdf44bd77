// Package session coordinates playback: it arbitrates play requests,
// owns the single live engine adapter, applies the retry policy, and
// mirrors state to the platform media surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/engine"
	"github.com/akumarsingh35/dozlo-sub000/internal/mediasession"
	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
	"github.com/akumarsingh35/dozlo-sub000/internal/signing"
	"github.com/akumarsingh35/dozlo-sub000/internal/stability"
	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

const (
	DefaultSessionTimeout = 30 * time.Second
	DefaultExpiryCheck    = 30 * time.Second
	DefaultVolume         = 80

	updateBufferSize = 16
	clearRepeatDelay = 100 * time.Millisecond
)

var (
	ErrInvalidTrack       = errors.New("track is not playable")
	ErrPausedForStability = errors.New("playback paused until conditions stabilize")
	ErrSuperseded         = errors.New("playback request superseded")
	ErrNoSession          = errors.New("no active playback session")
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateLoading
	StatePlaying
	StatePaused
	StateSeeking
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EngineFactory creates a fresh engine for each playback session.
type EngineFactory func() (engine.Engine, error)

// Status is the snapshot delivered to UI observers.
type Status struct {
	SessionID string
	Track     track.Track
	State     State
	Position  time.Duration
	Duration  time.Duration
	Volume    int
	Muted     bool
}

// Options are the coordinator's timing policies. Zero values fall back
// to defaults.
type Options struct {
	SessionTimeout time.Duration
	ExpiryCheck    time.Duration
	Adapter        engine.AdapterOptions
}

func (o Options) withDefaults() Options {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.ExpiryCheck <= 0 {
		o.ExpiryCheck = DefaultExpiryCheck
	}
	return o
}

// Deps are the coordinator's collaborators. Artwork is optional.
type Deps struct {
	URLs      *signing.Manager
	Ambient   engine.AmbientControl
	Monitor   *stability.Monitor
	Bridge    mediasession.Bridge
	Resume    *ResumeStore
	Retries   *retry.Engine
	NewEngine EngineFactory
	Artwork   *mediasession.ArtworkCache
}

type playbackSession struct {
	id      string
	token   uint64
	track   track.Track
	adapter *engine.Adapter
}

// Coordinator is the single authority over playback. All transport
// input, whether from the UI or the platform media surface, funnels
// through it; at most one engine adapter is alive at a time.
type Coordinator struct {
	urls      *signing.Manager
	ambient   engine.AmbientControl
	monitor   *stability.Monitor
	bridge    mediasession.Bridge
	resume    *ResumeStore
	retries   *retry.Engine
	newEngine EngineFactory
	artwork   *mediasession.ArtworkCache
	opts      Options

	// tokens issues request tokens; current holds the one token whose
	// results are still welcome. Everything else is stale.
	tokens  atomic.Uint64
	current atomic.Uint64

	mu         sync.Mutex
	sess       *playbackSession
	state      State
	position   time.Duration
	duration   time.Duration
	volume     int
	muted      bool
	artworkRef string

	updates chan Status

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	return &Coordinator{
		urls:      deps.URLs,
		ambient:   deps.Ambient,
		monitor:   deps.Monitor,
		bridge:    deps.Bridge,
		resume:    deps.Resume,
		retries:   deps.Retries,
		newEngine: deps.NewEngine,
		artwork:   deps.Artwork,
		opts:      opts.withDefaults(),
		state:     StateIdle,
		volume:    DefaultVolume,
		updates:   make(chan Status, updateBufferSize),
		timers:    make(map[*time.Timer]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start launches the control router and the URL expiry sweep.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.routeControls()
	go c.sweepExpiry()
}

// Updates returns the observer channel. Snapshots are dropped, not
// queued, when the observer falls behind.
func (c *Coordinator) Updates() <-chan Status { return c.updates }

// RequestPlayback is the single entry point for "user tapped a track".
// Requesting the active track toggles pause/resume; requesting another
// track supersedes the current session, which is torn down before the
// new one is established. The call blocks until playback starts or
// definitively fails.
func (c *Coordinator) RequestPlayback(ctx context.Context, t track.Track) error {
	if !t.Valid() {
		return ErrInvalidTrack
	}
	if c.monitor.ShouldPauseAudio() {
		log.Warn().Str("track", t.ID).Msg("Playback refused: failure streak active")
		return ErrPausedForStability
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.track.Same(t) {
		switch c.state {
		case StatePlaying:
			c.mu.Unlock()
			return c.Pause()
		case StatePaused:
			c.mu.Unlock()
			return c.Resume()
		}
	}

	token := c.tokens.Add(1)
	c.current.Store(token)
	old := c.sess
	c.sess = nil
	c.setStateLocked(StateResolving)
	c.mu.Unlock()

	log.Info().Str("track", t.ID).Uint64("token", token).Msg("Playback requested")

	// The superseded adapter is released before the new engine is
	// created, so two engines never overlap.
	if old != nil {
		c.persistPosition(old)
		if err := old.adapter.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close superseded adapter")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SessionTimeout)
	defer cancel()

	adapter, err := c.establish(ctx, token, t)
	if err != nil {
		return err
	}

	sess := &playbackSession{
		id:      uuid.NewString(),
		token:   token,
		track:   t,
		adapter: adapter,
	}

	c.mu.Lock()
	if c.current.Load() != token {
		c.mu.Unlock()
		adapter.Close()
		return ErrSuperseded
	}
	c.sess = sess
	c.position = adapter.Position()
	c.duration = adapter.Duration()
	c.artworkRef = ""
	c.setStateLocked(StatePlaying)
	c.mu.Unlock()

	c.retries.Reset()
	c.monitor.RecordSuccess()

	c.wg.Add(1)
	go c.consumeEvents(sess)
	c.resolveArtwork(sess)
	c.pushBridge()

	log.Info().
		Str("session", sess.id).
		Str("track", t.ID).
		Msg("Playback started")
	return nil
}

// establish resolves the signed URL and brings up a loaded, playing
// adapter, applying the retry policy to each failure until success,
// supersession, a terminal decision, or the session deadline.
func (c *Coordinator) establish(ctx context.Context, token uint64, t track.Track) (*engine.Adapter, error) {
	for {
		adapter, err := c.attempt(ctx, token, t)
		if err == nil {
			return adapter, nil
		}
		if errors.Is(err, ErrSuperseded) {
			return nil, err
		}

		c.monitor.RecordPlaybackError()
		decision := c.retries.Next(err, c.monitor.NetworkStable())

		switch decision.Action {
		case retry.ActionRefreshAndReload:
			c.urls.Invalidate(t.SourcePath)

		case retry.ActionDelayedRetry:
			select {
			case <-ctx.Done():
				c.toError(token)
				return nil, fmt.Errorf("playback request for %s: %w", t.ID, err)
			case <-time.After(decision.Delay):
			}

		case retry.ActionAwaitNetwork:
			log.Info().Str("track", t.ID).Msg("Waiting for network before retrying")
			select {
			case <-ctx.Done():
				c.toError(token)
				return nil, fmt.Errorf("playback request for %s: %w", t.ID, err)
			case <-c.stop:
				return nil, ErrSuperseded
			case <-c.monitor.Recovered():
			}

		case retry.ActionFail:
			c.toError(token)
			return nil, fmt.Errorf("playback request for %s: %w", t.ID, err)
		}

		if ctx.Err() != nil {
			c.toError(token)
			return nil, fmt.Errorf("playback request for %s: %w", t.ID, ctx.Err())
		}
	}
}

// attempt is one resolve+load+play pass.
func (c *Coordinator) attempt(ctx context.Context, token uint64, t track.Track) (*engine.Adapter, error) {
	signed, err := c.urls.Resolve(ctx, t.SourcePath)
	if err != nil {
		return nil, err
	}
	if c.stale(token) {
		return nil, ErrSuperseded
	}

	c.setState(StateLoading)

	eng, err := c.newEngine()
	if err != nil {
		return nil, retry.Wrap(retry.KindLoad, err)
	}
	adapter := engine.NewAdapter(eng, c.ambient, token, c.opts.Adapter)

	if err := adapter.Load(ctx, signed.URL); err != nil {
		adapter.Close()
		return nil, err
	}
	if c.stale(token) {
		adapter.Close()
		return nil, ErrSuperseded
	}

	c.mu.Lock()
	volume := c.volume
	muted := c.muted
	c.mu.Unlock()
	if muted {
		adapter.SetVolume(0)
	} else {
		adapter.SetVolume(volume)
	}

	if pos := c.resume.Position(t.ID); pos > 0 {
		log.Debug().Str("track", t.ID).Dur("pos", pos).Msg("Restoring saved position")
		adapter.Seek(pos)
	}

	if err := adapter.Play(); err != nil {
		adapter.Close()
		return nil, retry.Wrap(retry.KindPlay, err)
	}
	return adapter, nil
}

func (c *Coordinator) stale(token uint64) bool {
	return c.current.Load() != token
}

// consumeEvents drains one adapter's event stream. Events carrying a
// token other than the current one are dropped: the adapter they came
// from has already been superseded.
func (c *Coordinator) consumeEvents(s *playbackSession) {
	defer c.wg.Done()

	for ev := range s.adapter.Events() {
		if ev.Token != c.current.Load() {
			log.Debug().
				Uint64("token", ev.Token).
				Str("kind", ev.Kind.String()).
				Msg("Dropping stale engine event")
			continue
		}

		switch ev.Kind {
		case engine.EventLoaded:
			c.mu.Lock()
			c.duration = ev.Duration
			c.mu.Unlock()

		case engine.EventProgress, engine.EventSeeked:
			c.mu.Lock()
			c.position = ev.Position
			if ev.Duration > 0 {
				c.duration = ev.Duration
			}
			if ev.Kind == engine.EventSeeked && c.state == StateSeeking {
				c.setStateLocked(StatePlaying)
			}
			c.mu.Unlock()
			c.notify()
			c.pushBridge()

		case engine.EventPersist:
			c.resume.Set(s.track.ID, ev.Position)
			if err := c.resume.Save(); err != nil {
				log.Debug().Err(err).Msg("Failed to persist resume position")
			}

		case engine.EventFinished:
			log.Info().Str("track", s.track.ID).Msg("Track finished")
			c.resume.Clear(s.track.ID)
			if err := c.resume.Save(); err != nil {
				log.Debug().Err(err).Msg("Failed to persist resume positions")
			}
			c.teardown(s, StateIdle)
			return

		case engine.EventError:
			log.Warn().Err(ev.Err).Str("session", s.id).Msg("Playback error")
			c.handlePlaybackError(s, ev.Err)
		}
	}
}

// handlePlaybackError applies the retry decision table to a
// mid-playback failure.
func (c *Coordinator) handlePlaybackError(s *playbackSession, err error) {
	c.monitor.RecordPlaybackError()
	decision := c.retries.Next(err, c.monitor.NetworkStable())

	switch decision.Action {
	case retry.ActionRefreshAndReload:
		c.urls.Invalidate(s.track.SourcePath)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.reload(s)
		}()

	case retry.ActionDelayedRetry:
		c.afterDelay(decision.Delay, func() {
			if !c.stale(s.token) {
				c.reload(s)
			}
		})

	case retry.ActionAwaitNetwork:
		log.Info().Str("session", s.id).Msg("Playback parked until network recovers")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			select {
			case <-c.stop:
			case <-c.monitor.Recovered():
				if !c.stale(s.token) {
					c.reload(s)
				}
			}
		}()

	case retry.ActionFail:
		c.teardown(s, StateError)
		c.setState(StateIdle)
	}
}

// reload swaps the session onto a fresh signed URL, preserving
// position, volume and play state. Its own failure feeds back into the
// decision table, bounded by the retry engine's attempt budget.
func (c *Coordinator) reload(s *playbackSession) {
	if c.stale(s.token) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SessionTimeout)
	defer cancel()

	if err := c.urls.RefreshInBackground(ctx, s.track.SourcePath, s.adapter); err != nil {
		if c.stale(s.token) {
			return
		}
		log.Warn().Err(err).Str("session", s.id).Msg("Reload failed")
		c.handlePlaybackError(s, err)
		return
	}
	if c.stale(s.token) {
		return
	}

	// The failed engine reported itself stopped, so the swap restores a
	// paused transport; re-assert the session's play intent.
	c.mu.Lock()
	wantPlaying := c.state == StatePlaying || c.state == StateSeeking
	c.mu.Unlock()
	if wantPlaying && !s.adapter.Playing() {
		if err := s.adapter.Play(); err != nil {
			c.handlePlaybackError(s, retry.Wrap(retry.KindPlay, err))
			return
		}
	}

	c.retries.Reset()
	c.monitor.RecordSuccess()
	c.setState(StatePlaying)
	c.pushBridge()
	log.Info().Str("session", s.id).Msg("Playback recovered on a fresh URL")
}

// Pause pauses the active session and persists its position.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	if err := s.adapter.Pause(); err != nil {
		return fmt.Errorf("failed to pause: %w", err)
	}
	c.persistPosition(s)
	c.setState(StatePaused)
	c.pushBridge()
	return nil
}

// Resume continues the active paused session.
func (c *Coordinator) Resume() error {
	if c.monitor.ShouldPauseAudio() {
		return ErrPausedForStability
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	if err := s.adapter.Play(); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	c.setState(StatePlaying)
	c.pushBridge()
	return nil
}

// TogglePlayback flips between playing and paused.
func (c *Coordinator) TogglePlayback() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StatePlaying, StateSeeking:
		return c.Pause()
	case StatePaused:
		return c.Resume()
	default:
		return ErrNoSession
	}
}

// Seek requests a coalesced seek on the active session.
func (c *Coordinator) Seek(target time.Duration) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	s.adapter.Seek(target)
	c.markSeeking()
	return nil
}

// SeekBy seeks relative to the current position.
func (c *Coordinator) SeekBy(delta time.Duration) error {
	c.mu.Lock()
	s := c.sess
	pos := c.position
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	s.adapter.Seek(pos + delta)
	c.markSeeking()
	return nil
}

// markSeeking flags an active playing session as mid-seek; the adapter's
// seeked event flips it back.
func (c *Coordinator) markSeeking() {
	c.mu.Lock()
	if c.state == StatePlaying {
		c.setStateLocked(StateSeeking)
	}
	c.mu.Unlock()
}

// SetVolume applies a 0-100 volume, remembering it across sessions.
func (c *Coordinator) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	c.mu.Lock()
	c.volume = percent
	muted := c.muted
	s := c.sess
	c.mu.Unlock()

	if s != nil && !muted {
		s.adapter.SetVolume(percent)
	}
	c.notify()
}

func (c *Coordinator) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// ToggleMute silences the primary without losing the volume setting.
// Mute also gates the ambient layer via AmbientGate.
func (c *Coordinator) ToggleMute() {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	volume := c.volume
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		if muted {
			s.adapter.SetVolume(0)
		} else {
			s.adapter.SetVolume(volume)
		}
	}
	log.Debug().Bool("muted", muted).Msg("Mute toggled")
	c.notify()
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// AmbientGate returns the predicate the ambient mixer consults before
// raising volume: primary actively playing, unmuted, not mid-seek.
func (c *Coordinator) AmbientGate() func() bool {
	return func() bool {
		c.mu.Lock()
		s := c.sess
		playing := c.state == StatePlaying
		muted := c.muted
		c.mu.Unlock()
		return s != nil && playing && !muted && !s.adapter.Seeking()
	}
}

// Stop tears the active session down and returns to idle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.persistPosition(s)
	c.current.Store(0) // Invalidate the token before closing
	c.teardown(s, StateIdle)
}

// HandleTermination persists state and releases audio; wired to the
// stability monitor's termination grace timer.
func (c *Coordinator) HandleTermination() {
	log.Info().Msg("Treating app as terminated, releasing playback")
	c.Stop()
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	st := Status{
		State:    c.state,
		Position: c.position,
		Duration: c.duration,
		Volume:   c.volume,
		Muted:    c.muted,
	}
	if c.sess != nil {
		st.SessionID = c.sess.id
		st.Track = c.sess.track
	}
	return st
}

// teardown closes the adapter and clears the media surface. The empty
// push before Clear forces surfaces that coalesce updates to drop
// stale metadata.
func (c *Coordinator) teardown(s *playbackSession, next State) {
	// Pending retry timers and parked reloads for this session must see
	// it as stale once it is gone.
	c.current.CompareAndSwap(s.token, 0)

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.position = 0
		c.artworkRef = ""
	}
	c.setStateLocked(StateStopping)
	c.mu.Unlock()

	if err := s.adapter.Close(); err != nil {
		log.Debug().Err(err).Str("session", s.id).Msg("Adapter close failed")
	}
	c.setState(next)

	// Surfaces that coalesce updates can swallow a single empty push;
	// repeat it after a beat before clearing.
	c.bridge.Push(mediasession.State{Playback: mediasession.PlaybackNone})
	c.afterDelay(clearRepeatDelay, func() {
		c.bridge.Push(mediasession.State{Playback: mediasession.PlaybackNone})
		c.bridge.Clear()
	})
	c.bridge.Clear()
}

func (c *Coordinator) persistPosition(s *playbackSession) {
	pos := s.adapter.Position()
	if pos <= 0 {
		return
	}
	c.resume.Set(s.track.ID, pos)
	if err := c.resume.Save(); err != nil {
		log.Debug().Err(err).Msg("Failed to persist resume position")
	}
}

// toError flips a still-current failed request into the error state and
// then idle, so the UI sees the failure without getting stuck on it.
func (c *Coordinator) toError(token uint64) {
	if c.stale(token) {
		return
	}
	c.setState(StateError)
	c.setState(StateIdle)
	c.bridge.Clear()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked updates state and notifies observers. Caller holds
// c.mu.
func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("Session state")
	c.state = s
	st := c.statusLocked()
	select {
	case c.updates <- st:
	default:
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	st := c.statusLocked()
	c.mu.Unlock()
	select {
	case c.updates <- st:
	default:
	}
}

// pushBridge mirrors the current snapshot to the media surface.
func (c *Coordinator) pushBridge() {
	c.mu.Lock()
	st := c.statusLocked()
	artworkRef := c.artworkRef
	c.mu.Unlock()

	ms := mediasession.State{
		Title:      st.Track.Title,
		Artist:     st.Track.Artist,
		ArtworkRef: artworkRef,
		Position:   st.Position,
		Duration:   st.Duration,
		Rate:       1.0,
	}
	switch st.State {
	case StatePlaying, StateSeeking:
		ms.Playback = mediasession.PlaybackPlaying
	case StatePaused:
		ms.Playback = mediasession.PlaybackPaused
	default:
		ms.Playback = mediasession.PlaybackNone
	}
	c.bridge.Push(ms)
}

// resolveArtwork caches the track artwork off the hot path and
// re-pushes the surface once a local reference exists.
func (c *Coordinator) resolveArtwork(s *playbackSession) {
	if c.artwork == nil || s.track.ArtworkURL == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ref := c.artwork.Resolve(ctx, s.track.ArtworkURL)
		if ref == "" || c.stale(s.token) {
			return
		}
		c.mu.Lock()
		c.artworkRef = ref
		c.mu.Unlock()
		c.pushBridge()
	}()
}

// routeControls feeds media-surface transport commands through the
// same entry points the UI uses.
func (c *Coordinator) routeControls() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ctrl, ok := <-c.bridge.Controls():
			if !ok {
				return
			}
			var err error
			switch ctrl.Kind {
			case mediasession.ControlPlay:
				err = c.Resume()
			case mediasession.ControlPause:
				err = c.Pause()
			case mediasession.ControlToggle:
				err = c.TogglePlayback()
			case mediasession.ControlStop:
				c.Stop()
			case mediasession.ControlSeekTo:
				err = c.Seek(ctrl.SeekTo)
			case mediasession.ControlSeekBy:
				err = c.SeekBy(ctrl.SeekTo)
			}
			if err != nil {
				log.Debug().Err(err).Str("kind", ctrl.Kind.String()).Msg("Media control not applicable")
			}
		}
	}
}

// sweepExpiry refreshes the active session's URL ahead of expiry.
func (c *Coordinator) sweepExpiry() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.ExpiryCheck)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			s := c.sess
			c.mu.Unlock()
			if s == nil || !c.urls.NeedsRefresh(s.track.SourcePath) {
				continue
			}
			log.Debug().Str("session", s.id).Msg("Signed URL approaching expiry, refreshing")
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.reload(s)
			}()
		}
	}
}

// afterDelay runs fn once after d, tracked so Close can cancel it.
func (c *Coordinator) afterDelay(d time.Duration, fn func()) {
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		c.timersMu.Lock()
		delete(c.timers, timer)
		c.timersMu.Unlock()
		fn()
	})
	c.timersMu.Lock()
	c.timers[timer] = struct{}{}
	c.timersMu.Unlock()
}

// Close stops the coordinator deterministically: pending retry timers
// are cancelled, the active session is torn down, background work is
// awaited.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	c.timersMu.Lock()
	for timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.timersMu.Unlock()

	c.Stop()
	c.wg.Wait()
}
