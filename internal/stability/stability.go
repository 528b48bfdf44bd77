// Package stability tracks the health signals playback decisions hang
// off: network reachability, consecutive playback failures, and the
// foreground/background lifecycle.
package stability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFailureThreshold = 5
	DefaultTerminationGrace = 30 * time.Second
	DefaultProbeInterval    = 15 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
)

// AppState is the coarse lifecycle signal the host delivers.
type AppState int

const (
	StateForeground AppState = iota
	StateBackground
)

func (s AppState) String() string {
	switch s {
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Options configure the monitor. Zero values fall back to defaults.
type Options struct {
	// ProbeURL is fetched to confirm connectivity reports. Empty
	// disables probing and connectivity reports are trusted as-is.
	ProbeURL         string
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	// TerminationGrace is how long the app may stay backgrounded
	// before it is treated as terminated rather than merely hidden.
	TerminationGrace time.Duration
	// OnTerminated runs once when the grace window elapses without the
	// app returning to the foreground.
	OnTerminated func()
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = DefaultTerminationGrace
	}
	return o
}

// Monitor is safe for concurrent use by the coordinator, the retry
// engine and the host lifecycle hooks.
type Monitor struct {
	client *resty.Client
	opts   Options

	mu                  sync.Mutex
	connected           bool
	stable              bool
	consecutiveFailures int
	lastCheckedAt       time.Time
	graceTimer          *time.Timer
	terminated          bool

	recovered chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMonitor starts in the connected/stable state; reality corrects it
// through connectivity reports and probes.
func NewMonitor(client *resty.Client, opts Options) *Monitor {
	return &Monitor{
		client:    client,
		opts:      opts.withDefaults(),
		connected: true,
		stable:    true,
		recovered: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start runs the periodic confirmation probe until Close.
func (m *Monitor) Start() {
	if m.opts.ProbeURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.confirm()
			}
		}
	}()
}

// RecordPlaybackError counts a playback failure toward the pause
// threshold.
func (m *Monitor) RecordPlaybackError() {
	m.mu.Lock()
	m.consecutiveFailures++
	n := m.consecutiveFailures
	m.mu.Unlock()

	if n >= m.opts.FailureThreshold {
		log.Warn().Int("failures", n).Msg("Consecutive playback failures crossed the pause threshold")
	}
}

// RecordSuccess resets the failure streak.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
}

// ShouldPauseAudio reports whether the failure streak is long enough
// that new playback attempts should be refused until conditions
// improve.
func (m *Monitor) ShouldPauseAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures >= m.opts.FailureThreshold
}

func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// NetworkStable reports the last confirmed network verdict.
func (m *Monitor) NetworkStable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.stable
}

// Recovered signals once per network recovery; retries parked on
// AwaitNetwork wake on it.
func (m *Monitor) Recovered() <-chan struct{} { return m.recovered }

// HandleConnectivityChange ingests a reachability report. Loss takes
// effect immediately; recovery is confirmed by a probe before the
// network is trusted again, since reachability reports flap.
func (m *Monitor) HandleConnectivityChange(connected bool) {
	m.mu.Lock()
	m.connected = connected
	if !connected {
		m.stable = false
		m.mu.Unlock()
		log.Info().Msg("Network connectivity lost")
		return
	}
	m.mu.Unlock()

	log.Info().Msg("Network connectivity reported, confirming")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.confirm()
	}()
}

// confirm probes the endpoint and flips the stable flag on the result.
func (m *Monitor) confirm() {
	if m.opts.ProbeURL == "" {
		m.markStable(true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
	defer cancel()

	err := m.probe(ctx)

	m.mu.Lock()
	m.lastCheckedAt = time.Now()
	m.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Msg("Connectivity probe failed")
		m.markStable(false)
		return
	}
	m.markStable(true)
}

func (m *Monitor) probe(ctx context.Context) error {
	resp, err := m.client.R().SetContext(ctx).Head(m.opts.ProbeURL)
	if err != nil {
		return fmt.Errorf("connectivity probe: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("connectivity probe: status %d", resp.StatusCode())
	}
	return nil
}

func (m *Monitor) markStable(stable bool) {
	m.mu.Lock()
	wasStable := m.connected && m.stable
	m.stable = stable
	if stable {
		m.connected = true
	}
	nowStable := m.connected && m.stable
	m.mu.Unlock()

	if nowStable && !wasStable {
		log.Info().Msg("Network confirmed stable")
		select {
		case m.recovered <- struct{}{}:
		default:
		}
	}
}

// HandleLifecycle ingests foreground/background transitions. Going to
// the background arms a grace timer; only when it elapses without a
// return to the foreground is the app treated as terminated and the
// OnTerminated hook run. A quick background/foreground bounce has no
// effect on playback.
func (m *Monitor) HandleLifecycle(state AppState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch state {
	case StateBackground:
		if m.graceTimer != nil || m.terminated {
			return
		}
		log.Debug().Dur("grace", m.opts.TerminationGrace).Msg("App backgrounded, arming termination grace timer")
		m.graceTimer = time.AfterFunc(m.opts.TerminationGrace, m.fireTerminated)

	case StateForeground:
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
			log.Debug().Msg("App foregrounded within grace window")
		}
	}
}

func (m *Monitor) fireTerminated() {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.graceTimer = nil
	m.mu.Unlock()

	log.Info().Msg("Termination grace elapsed, treating app as terminated")
	if m.opts.OnTerminated != nil {
		m.opts.OnTerminated()
	}
}

// Terminated reports whether the grace window ever elapsed.
func (m *Monitor) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// Close stops the probe loop and disarms the grace timer.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
