package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultUITick        = 250 * time.Millisecond
	DefaultPersistTick   = 2 * time.Second
	DefaultWatchdog      = 2 * time.Second
	DefaultSeekTolerance = 2 * time.Second
	DefaultSeekTimeout   = 6 * time.Second

	seekPollInterval = 100 * time.Millisecond
	eventBufferSize  = 64
)

// AdapterOptions are the timing policies of the adapter. Zero values
// fall back to defaults.
type AdapterOptions struct {
	UITick        time.Duration
	PersistTick   time.Duration
	Watchdog      time.Duration
	SeekTolerance time.Duration
	SeekTimeout   time.Duration
}

func (o AdapterOptions) withDefaults() AdapterOptions {
	if o.UITick <= 0 {
		o.UITick = DefaultUITick
	}
	if o.PersistTick <= 0 {
		o.PersistTick = DefaultPersistTick
	}
	if o.Watchdog <= 0 {
		o.Watchdog = DefaultWatchdog
	}
	if o.SeekTolerance <= 0 {
		o.SeekTolerance = DefaultSeekTolerance
	}
	if o.SeekTimeout <= 0 {
		o.SeekTimeout = DefaultSeekTimeout
	}
	return o
}

// Adapter wraps an Engine with the behaviors the coordinator relies on:
// coalesced seeks with ambient coordination, two independent progress
// tickers, a stall watchdog, and a single ordered event channel.
//
// An Adapter serves exactly one playback session; its lifetime is
// bounded by Load and Close, and every event it emits carries the
// session's request token.
type Adapter struct {
	eng     Engine
	ambient AmbientControl
	opts    AdapterOptions
	token   uint64

	events chan Event

	mu          sync.Mutex
	loaded      bool
	playing     bool
	seeking     bool
	seekRunning bool
	pendingSeek time.Duration
	hasPending  bool
	volume      int

	// UI tick and persistence tick each keep their own last-position;
	// sharing one was a documented source of irregular update cadence.
	lastUIPos      time.Duration
	lastProgressAt time.Time
	lastPersistPos time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAdapter wraps eng for the session identified by token. The
// ambient control is paused around seeks and source swaps.
func NewAdapter(eng Engine, ambient AmbientControl, token uint64, opts AdapterOptions) *Adapter {
	return &Adapter{
		eng:     eng,
		ambient: ambient,
		opts:    opts.withDefaults(),
		token:   token,
		events:  make(chan Event, eventBufferSize),
		stop:    make(chan struct{}),
	}
}

// Events returns the adapter's single event channel. The channel is
// closed by Close; the coordinator is the sole consumer.
func (a *Adapter) Events() <-chan Event { return a.events }

// Token returns the request token this adapter is bound to.
func (a *Adapter) Token() uint64 { return a.token }

// Load resolves when the source is playable and starts the progress
// machinery.
func (a *Adapter) Load(ctx context.Context, url string) error {
	if err := a.eng.Load(ctx, url); err != nil {
		return err
	}

	a.mu.Lock()
	first := !a.loaded
	a.loaded = true
	a.lastProgressAt = time.Now()
	a.mu.Unlock()

	if first {
		a.wg.Add(1)
		go a.run()
	}

	a.emit(Event{Kind: EventLoaded, Duration: a.eng.Duration()})
	return nil
}

func (a *Adapter) Play() error {
	if err := a.eng.Play(); err != nil {
		return err
	}
	a.mu.Lock()
	a.playing = true
	a.lastProgressAt = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Pause() error {
	if err := a.eng.Pause(); err != nil {
		return err
	}
	a.mu.Lock()
	a.playing = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SetVolume(percent int) {
	a.mu.Lock()
	a.volume = percent
	a.mu.Unlock()
	a.eng.SetVolume(percent)
}

func (a *Adapter) Position() time.Duration { return a.eng.Position() }

func (a *Adapter) Duration() time.Duration { return a.eng.Duration() }

func (a *Adapter) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

func (a *Adapter) Seeking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seeking
}

// Seek requests a coalesced seek to target. If a seek run is already in
// progress the new target replaces the pending one instead of queuing a
// second operation. The target is clamped to [0, duration].
func (a *Adapter) Seek(target time.Duration) {
	if target < 0 {
		target = 0
	}
	if dur := a.eng.Duration(); dur > 0 && target > dur {
		target = dur
	}

	a.mu.Lock()
	a.pendingSeek = target
	a.hasPending = true
	if a.seekRunning {
		a.mu.Unlock()
		log.Debug().Dur("target", target).Msg("Seek coalesced into running request")
		return
	}
	a.seekRunning = true
	a.seeking = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.runSeek()
}

// runSeek executes the seek protocol: pause ambient, issue the seek,
// await engine confirmation within tolerance or a bounded timeout, then
// resume ambient. A timeout is absorbed as a recoverable fault.
func (a *Adapter) runSeek() {
	defer a.wg.Done()

	a.ambient.PauseAll()

	for {
		a.mu.Lock()
		if !a.hasPending {
			a.seekRunning = false
			a.seeking = false
			a.mu.Unlock()
			break
		}
		target := a.pendingSeek
		a.hasPending = false
		a.mu.Unlock()

		if err := a.eng.SeekTo(target); err != nil {
			log.Warn().Err(err).Dur("target", target).Msg("Engine seek failed, keeping last-known position")
			continue
		}

		a.awaitSeekConfirm(target)
	}

	a.ambient.ResumeAll()

	a.mu.Lock()
	a.lastProgressAt = time.Now()
	a.mu.Unlock()
	a.emit(Event{Kind: EventSeeked, Position: a.eng.Position(), Duration: a.eng.Duration()})
}

// awaitSeekConfirm polls the engine-reported position until it lands
// within tolerance of target, a newer target arrives, or the bounded
// wait elapses.
func (a *Adapter) awaitSeekConfirm(target time.Duration) {
	deadline := time.Now().Add(a.opts.SeekTimeout)
	ticker := time.NewTicker(seekPollInterval)
	defer ticker.Stop()

	for {
		pos := a.eng.Position()
		if absDuration(pos-target) <= a.opts.SeekTolerance {
			log.Debug().Dur("target", target).Dur("pos", pos).Msg("Seek confirmed")
			return
		}

		a.mu.Lock()
		replaced := a.hasPending
		a.mu.Unlock()
		if replaced {
			return
		}

		if time.Now().After(deadline) {
			// Recoverable: keep last-known position, do not fail the session
			log.Warn().
				Dur("target", target).
				Dur("pos", pos).
				Msg("Seek confirmation timed out, resuming with last-known position")
			return
		}

		select {
		case <-ticker.C:
		case <-a.stop:
			return
		}
	}
}

// Snapshot captures {position, volume, playing} ahead of a URL refresh.
func (a *Adapter) Snapshot() (time.Duration, int, bool) {
	a.mu.Lock()
	volume := a.volume
	playing := a.playing
	a.mu.Unlock()
	return a.eng.Position(), volume, playing
}

// Swap replaces the engine source without losing position: load the new
// URL, re-seek to the snapshot position, restore volume and play state.
// Ambient tracks are paused for the duration of the swap.
func (a *Adapter) Swap(ctx context.Context, url string, pos time.Duration, volume int, resume bool) error {
	a.ambient.PauseAll()
	defer a.ambient.ResumeAll()

	if err := a.eng.Load(ctx, url); err != nil {
		return err
	}
	if err := a.eng.SeekTo(pos); err != nil {
		return err
	}
	a.eng.SetVolume(volume)

	if resume {
		if err := a.eng.Play(); err != nil {
			return err
		}
		a.mu.Lock()
		a.playing = true
		a.lastProgressAt = time.Now()
		a.mu.Unlock()
	} else {
		if err := a.eng.Pause(); err != nil {
			return err
		}
	}
	return nil
}

// run drives the two progress tickers, the watchdog, and forwards
// engine completion/failure signals, all onto the single event channel.
func (a *Adapter) run() {
	defer a.wg.Done()

	uiTicker := time.NewTicker(a.opts.UITick)
	defer uiTicker.Stop()
	persistTicker := time.NewTicker(a.opts.PersistTick)
	defer persistTicker.Stop()
	watchdogTicker := time.NewTicker(a.opts.Watchdog / 2)
	defer watchdogTicker.Stop()

	for {
		select {
		case <-a.stop:
			return

		case <-uiTicker.C:
			a.uiTick()

		case <-persistTicker.C:
			a.persistTick()

		case <-watchdogTicker.C:
			a.watchdogTick()

		case <-a.eng.Finished():
			a.mu.Lock()
			a.playing = false
			a.mu.Unlock()
			a.emit(Event{Kind: EventFinished, Position: a.eng.Duration(), Duration: a.eng.Duration()})

		case err := <-a.eng.Errors():
			a.mu.Lock()
			a.playing = false
			a.mu.Unlock()
			a.emit(Event{Kind: EventError, Err: err, Position: a.eng.Position()})
		}
	}
}

func (a *Adapter) uiTick() {
	pos := a.eng.Position()

	a.mu.Lock()
	if pos != a.lastUIPos {
		a.lastUIPos = pos
		a.lastProgressAt = time.Now()
	}
	a.mu.Unlock()

	a.emit(Event{Kind: EventProgress, Position: pos, Duration: a.eng.Duration()})
}

func (a *Adapter) persistTick() {
	a.mu.Lock()
	playing := a.playing
	last := a.lastPersistPos
	a.mu.Unlock()

	if !playing {
		return
	}
	pos := a.eng.Position()
	if pos == last {
		return
	}

	a.mu.Lock()
	a.lastPersistPos = pos
	a.mu.Unlock()
	a.emit(Event{Kind: EventPersist, Position: pos, Duration: a.eng.Duration()})
}

// watchdogTick invalidates stalled progress: if no UI update landed
// within the bound while nominally playing and not mid-seek, force a
// fresh read so reporting recovers.
func (a *Adapter) watchdogTick() {
	a.mu.Lock()
	playing := a.playing
	seeking := a.seeking
	stalledFor := time.Since(a.lastProgressAt)
	a.mu.Unlock()

	if !playing || seeking || stalledFor < a.opts.Watchdog {
		return
	}

	pos := a.eng.Position()
	a.mu.Lock()
	a.lastUIPos = pos
	a.lastProgressAt = time.Now()
	a.mu.Unlock()

	log.Debug().Dur("stalled", stalledFor).Dur("pos", pos).Msg("Progress watchdog forced a fresh read")
	a.emit(Event{Kind: EventProgress, Position: pos, Duration: a.eng.Duration()})
}

// emit never blocks: if the coordinator fell behind, the oldest kind of
// loss we can afford is a progress tick.
func (a *Adapter) emit(ev Event) {
	ev.Token = a.token
	select {
	case a.events <- ev:
	case <-a.stop:
	default:
		log.Debug().Str("kind", ev.Kind.String()).Msg("Event channel full, dropping event")
	}
}

// Close tears the adapter down deterministically: all timers stop, the
// event channel closes, the engine is released.
func (a *Adapter) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		close(a.events)
		err = a.eng.Close()
	})
	return err
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
