package engine

import (
	"context"
	"sync"
	"time"
)

// Mock is a test double for the audio engine. Position updates are
// controlled by the test; SeekApplyDelay simulates an engine that takes
// a while to confirm a seek.
type Mock struct {
	mu sync.Mutex

	loaded  bool
	playing bool
	pos     time.Duration
	dur     time.Duration
	volume  int

	LoadErr error
	PlayErr error
	SeekErr error
	// SeekApplyDelay is how long the reported position lags behind a
	// requested seek target. Zero applies seeks immediately.
	SeekApplyDelay time.Duration

	loadCalls     []string
	seekCalls     []time.Duration
	positionReads int

	seekPending   bool
	seekTarget    time.Duration
	seekAppliedAt time.Time

	finished chan struct{}
	errs     chan error
	closed   bool
}

func NewMock(duration time.Duration) *Mock {
	return &Mock{
		dur:      duration,
		finished: make(chan struct{}, 1),
		errs:     make(chan error, 1),
	}
}

func (m *Mock) Load(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls = append(m.loadCalls, url)
	if m.LoadErr != nil {
		return m.LoadErr
	}
	m.loaded = true
	m.playing = false
	m.pos = 0
	return nil
}

func (m *Mock) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlayErr != nil {
		return m.PlayErr
	}
	m.playing = true
	return nil
}

func (m *Mock) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
	return nil
}

func (m *Mock) SeekTo(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SeekErr != nil {
		return m.SeekErr
	}
	m.seekCalls = append(m.seekCalls, pos)
	if m.SeekApplyDelay <= 0 {
		m.pos = pos
		m.seekPending = false
		return nil
	}
	m.seekPending = true
	m.seekTarget = pos
	m.seekAppliedAt = time.Now().Add(m.SeekApplyDelay)
	return nil
}

func (m *Mock) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionReads++
	if m.seekPending && !time.Now().Before(m.seekAppliedAt) {
		m.pos = m.seekTarget
		m.seekPending = false
	}
	return m.pos
}

func (m *Mock) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dur
}

func (m *Mock) SetVolume(percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = percent
}

func (m *Mock) Finished() <-chan struct{} { return m.finished }

func (m *Mock) Errors() <-chan error { return m.errs }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.playing = false
	return nil
}

// SetPosition moves the reported position, simulating playback advance.
func (m *Mock) SetPosition(pos time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
}

// FinishTrack signals end-of-source.
func (m *Mock) FinishTrack() {
	select {
	case m.finished <- struct{}{}:
	default:
	}
}

// FailAsync injects a mid-playback engine failure.
func (m *Mock) FailAsync(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Mock) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

func (m *Mock) LoadCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loadCalls...)
}

func (m *Mock) SeekCalls() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.seekCalls...)
}

func (m *Mock) PositionReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionReads
}
