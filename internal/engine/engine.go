// Package engine wraps the platform audio engine behind a narrow
// load/play/pause/seek contract and layers progress reporting, seek
// coalescing and stall recovery on top of it.
package engine

import (
	"context"
	"math"
	"time"
)

// Engine is the low-level audio engine contract. Implementations own
// the underlying decoder and output handles exclusively; callers only
// ever see positions and durations.
type Engine interface {
	// Load prepares the source at url for playback, replacing any
	// previously loaded source. It returns once the source is playable.
	Load(ctx context.Context, url string) error
	Play() error
	Pause() error
	SeekTo(pos time.Duration) error
	Position() time.Duration
	Duration() time.Duration
	SetVolume(percent int)
	// Finished is signalled when the loaded source plays to its end.
	Finished() <-chan struct{}
	// Errors surfaces asynchronous mid-playback failures (decoder or
	// network) that cannot be returned from a call.
	Errors() <-chan error
	Close() error
}

// Compile-time checks for the two engine implementations.
var (
	_ Engine = (*BeepEngine)(nil)
	_ Engine = (*Mock)(nil)
)

// EventKind identifies an adapter event.
type EventKind int

const (
	// EventLoaded fires once the source became playable.
	EventLoaded EventKind = iota
	// EventProgress is the high-frequency UI progress tick.
	EventProgress
	// EventPersist is the low-frequency bookkeeping tick used for
	// resume-position persistence. It is deliberately independent of
	// EventProgress: the two must not share last-update state.
	EventPersist
	// EventSeeked fires when a coalesced seek run settles, whether the
	// engine confirmed the position or the confirmation timed out.
	EventSeeked
	// EventFinished fires when the track played to its end.
	EventFinished
	// EventError carries an asynchronous engine failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventProgress:
		return "progress"
	case EventPersist:
		return "persist"
	case EventSeeked:
		return "seeked"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on the adapter's single ordered channel. The
// coordinator is the sole consumer; events carrying a stale token are
// dropped there.
type Event struct {
	Token    uint64
	Kind     EventKind
	Position time.Duration
	Duration time.Duration
	Err      error
}

// AmbientControl is the slice of the ambient mixer the adapter needs:
// pausing all ambient tracks around seeks and source swaps.
type AmbientControl interface {
	PauseAll()
	ResumeAll()
}

const (
	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
)

// percentToExponent maps a 0-100 volume percentage onto the dB exponent
// the volume effect expects, with a perceptual curve.
func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}
