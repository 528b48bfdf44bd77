package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
)

const (
	// DefaultSampleRate is the fixed output rate. The speaker is
	// initialized once and shared with the ambient mixer; sources at
	// other rates are resampled rather than re-initializing the device.
	DefaultSampleRate = beep.SampleRate(44100)
	SpeakerBufferSize = 250 * time.Millisecond
	ResampleQuality   = 4
)

var (
	speakerMu    sync.Mutex
	speakerReady bool
)

// EnsureSpeaker initializes the shared audio output exactly once. Both
// the primary engine and ambient track handles route through it.
func EnsureSpeaker() error {
	speakerMu.Lock()
	defer speakerMu.Unlock()

	if speakerReady {
		return nil
	}
	if err := speaker.Init(DefaultSampleRate, DefaultSampleRate.N(SpeakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	speakerReady = true
	log.Debug().Msgf("Speaker initialized at %d Hz, buffer %v", DefaultSampleRate, SpeakerBufferSize)
	return nil
}

// BeepEngine plays MP3 media over HTTP through the beep speaker. One
// instance drives at most one source; the coordinator creates a fresh
// instance per playback session.
type BeepEngine struct {
	httpClient *http.Client

	mu            sync.Mutex
	rs            *httpReadSeeker
	streamer      beep.StreamSeekCloser
	format        beep.Format
	ctrl          *beep.Ctrl
	volume        *effects.Volume
	volumePercent int
	loadGen       int

	finished chan struct{}
	errs     chan error
	closed   bool
}

func NewBeepEngine() *BeepEngine {
	return &BeepEngine{
		httpClient: &http.Client{
			// No overall timeout: media bodies are long-lived. The
			// dial/header limits bound connection establishment.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				DisableCompression:    true,
			},
		},
		volumePercent: -1,
		finished:      make(chan struct{}, 1),
		errs:          make(chan error, 1),
	}
}

// Load opens url, decodes it and attaches it to the speaker, paused.
// Any previously loaded source is detached first.
func (e *BeepEngine) Load(ctx context.Context, url string) error {
	if err := EnsureSpeaker(); err != nil {
		return retry.Wrap(retry.KindPlay, err)
	}

	rs, err := newHTTPReadSeeker(ctx, e.httpClient, url)
	if err != nil {
		return err
	}

	streamer, format, err := mp3.Decode(rs)
	if err != nil {
		rs.Close()
		return retry.Wrap(retry.KindLoad, fmt.Errorf("failed to decode media: %w", err))
	}

	e.mu.Lock()
	e.detachLocked()
	e.loadGen++
	gen := e.loadGen

	e.rs = rs
	e.streamer = streamer
	e.format = format

	var out beep.Streamer = streamer
	if format.SampleRate != DefaultSampleRate {
		out = beep.Resample(ResampleQuality, format.SampleRate, DefaultSampleRate, streamer)
		log.Debug().Msgf("Resampling %d Hz -> %d Hz", format.SampleRate, DefaultSampleRate)
	}

	volumePercent := e.volumePercent
	if volumePercent < 0 {
		volumePercent = 100
	}
	e.volume = &effects.Volume{
		Streamer: out,
		Base:     2,
		Volume:   percentToExponent(float64(volumePercent)),
		Silent:   volumePercent == 0,
	}

	seq := beep.Seq(e.volume, beep.Callback(func() {
		e.onSourceDrained(gen)
	}))
	e.ctrl = &beep.Ctrl{Streamer: seq, Paused: true}
	ctrl := e.ctrl
	e.mu.Unlock()

	speaker.Play(ctrl)
	log.Debug().Str("url", url).Dur("duration", e.Duration()).Msg("Source loaded")
	return nil
}

// onSourceDrained runs on the speaker goroutine when the sequence ends,
// either because the track finished or because decoding failed.
func (e *BeepEngine) onSourceDrained(gen int) {
	e.mu.Lock()
	stale := gen != e.loadGen || e.closed
	var err error
	if !stale && e.streamer != nil {
		err = e.streamer.Err()
	}
	e.mu.Unlock()

	if stale {
		return
	}
	if err != nil {
		select {
		case e.errs <- retry.Wrap(retry.KindPlay, fmt.Errorf("playback stream failed: %w", err)):
		default:
		}
		return
	}
	select {
	case e.finished <- struct{}{}:
	default:
	}
}

// detachLocked removes the current source from the speaker without
// clearing it: speaker.Clear would also kill ambient tracks sharing the
// output.
func (e *BeepEngine) detachLocked() {
	if e.ctrl != nil {
		speaker.Lock()
		e.ctrl.Streamer = nil
		speaker.Unlock()
		e.ctrl = nil
	}
	if e.streamer != nil {
		e.streamer.Close()
		e.streamer = nil
	}
	if e.rs != nil {
		e.rs.Close()
		e.rs = nil
	}
	e.volume = nil
}

func (e *BeepEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctrl == nil {
		return retry.Wrap(retry.KindPlay, fmt.Errorf("no source loaded"))
	}
	speaker.Lock()
	e.ctrl.Paused = false
	speaker.Unlock()
	return nil
}

func (e *BeepEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctrl == nil {
		return nil
	}
	speaker.Lock()
	e.ctrl.Paused = true
	speaker.Unlock()
	return nil
}

func (e *BeepEngine) SeekTo(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamer == nil {
		return retry.Wrap(retry.KindPlay, fmt.Errorf("no source loaded"))
	}

	n := e.format.SampleRate.N(pos)
	speaker.Lock()
	if total := e.streamer.Len(); n > total {
		n = total
	}
	if n < 0 {
		n = 0
	}
	err := e.streamer.Seek(n)
	speaker.Unlock()

	if err != nil {
		return retry.Wrap(retry.KindPlay, fmt.Errorf("seek failed: %w", err))
	}
	return nil
}

func (e *BeepEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamer == nil {
		return 0
	}
	speaker.Lock()
	n := e.streamer.Position()
	speaker.Unlock()
	return e.format.SampleRate.D(n)
}

func (e *BeepEngine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamer == nil {
		return 0
	}
	speaker.Lock()
	n := e.streamer.Len()
	speaker.Unlock()
	return e.format.SampleRate.D(n)
}

func (e *BeepEngine) SetVolume(percent int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volumePercent = percent
	if e.volume == nil {
		return
	}
	speaker.Lock()
	e.volume.Volume = percentToExponent(float64(percent))
	e.volume.Silent = percent == 0
	speaker.Unlock()
}

func (e *BeepEngine) Finished() <-chan struct{} { return e.finished }

func (e *BeepEngine) Errors() <-chan error { return e.errs }

func (e *BeepEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.detachLocked()
	log.Debug().Msg("Engine closed")
	return nil
}
