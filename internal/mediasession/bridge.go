// Package mediasession mirrors playback state to the platform media
// surface (lock screen, MPRIS) and routes its transport controls back
// into the coordinator.
package mediasession

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PlaybackState is the coarse transport state the platform surface
// understands.
type PlaybackState int

const (
	PlaybackNone PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "none"
	}
}

// State is one full snapshot pushed to the platform surface. Snapshots
// are absolute, not deltas, so a missed push cannot wedge the display.
type State struct {
	Title      string
	Artist     string
	ArtworkRef string
	Playback   PlaybackState
	Position   time.Duration
	Duration   time.Duration
	Rate       float64
}

// ControlKind identifies a transport command arriving from the
// platform surface.
type ControlKind int

const (
	ControlPlay ControlKind = iota
	ControlPause
	ControlToggle
	ControlStop
	ControlSeekTo
	ControlSeekBy
)

func (k ControlKind) String() string {
	switch k {
	case ControlPlay:
		return "play"
	case ControlPause:
		return "pause"
	case ControlToggle:
		return "toggle"
	case ControlStop:
		return "stop"
	case ControlSeekTo:
		return "seek_to"
	case ControlSeekBy:
		return "seek_by"
	default:
		return "unknown"
	}
}

// Control is one transport command. SeekTo carries the absolute target
// for ControlSeekTo and the relative offset for ControlSeekBy.
type Control struct {
	Kind   ControlKind
	SeekTo time.Duration
}

// Bridge is the platform media surface seen from the coordinator.
// Implementations must tolerate Push after Clear and repeated Clear.
type Bridge interface {
	Push(State)
	Clear()
	Controls() <-chan Control
	Close() error
}

const controlBufferSize = 16

// ChannelBridge is an in-process Bridge for tests and headless runs:
// state is retained for inspection and controls are injected manually.
type ChannelBridge struct {
	mu       sync.Mutex
	last     State
	pushes   int
	clears   int
	closed   bool
	controls chan Control
}

func NewChannelBridge() *ChannelBridge {
	return &ChannelBridge{
		controls: make(chan Control, controlBufferSize),
	}
}

func (b *ChannelBridge) Push(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	b.pushes++
}

// Clear resets the surface to the empty, stateless display.
func (b *ChannelBridge) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = State{}
	b.clears++
}

func (b *ChannelBridge) Controls() <-chan Control { return b.controls }

func (b *ChannelBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.controls)
	}
	return nil
}

// Emit injects a transport command as if the platform surface sent it.
func (b *ChannelBridge) Emit(c Control) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.controls <- c:
	default:
		log.Debug().Str("kind", c.Kind.String()).Msg("Control channel full, dropping command")
	}
}

// Last returns the most recent pushed snapshot.
func (b *ChannelBridge) Last() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Pushes returns how many snapshots were pushed.
func (b *ChannelBridge) Pushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushes
}

// Clears returns how many times the surface was cleared.
func (b *ChannelBridge) Clears() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clears
}
