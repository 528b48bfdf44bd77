package ambient

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/akumarsingh35/dozlo-sub000/internal/engine"
	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

// NewBeepHandleFactory returns a factory decoding looping MP3 sounds
// from baseDir on the shared speaker.
func NewBeepHandleFactory(baseDir string) HandleFactory {
	return func(sound track.AmbientSound) (Handle, error) {
		if err := engine.EnsureSpeaker(); err != nil {
			return nil, fmt.Errorf("failed to initialize speaker: %w", err)
		}

		path := filepath.Join(baseDir, filepath.FromSlash(sound.SourcePath))
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ambient sound %s: %w", sound.ID, err)
		}

		streamer, format, err := mp3.Decode(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to decode ambient sound %s: %w", sound.ID, err)
		}

		loop, err := beep.Loop2(streamer)
		if err != nil {
			streamer.Close()
			return nil, fmt.Errorf("failed to loop ambient sound %s: %w", sound.ID, err)
		}

		var source beep.Streamer = loop
		if format.SampleRate != engine.DefaultSampleRate {
			source = beep.Resample(4, format.SampleRate, engine.DefaultSampleRate, loop)
		}

		volume := &effects.Volume{
			Streamer: source,
			Base:     2,
			Silent:   true,
		}
		ctrl := &beep.Ctrl{Streamer: volume, Paused: true}

		h := &beepHandle{
			streamer: streamer,
			volume:   volume,
			ctrl:     ctrl,
		}
		speaker.Play(ctrl)
		return h, nil
	}
}

type beepHandle struct {
	streamer beep.StreamSeekCloser
	volume   *effects.Volume
	ctrl     *beep.Ctrl
}

func (h *beepHandle) Start() error {
	speaker.Lock()
	h.ctrl.Paused = false
	speaker.Unlock()
	return nil
}

func (h *beepHandle) Stop() {
	speaker.Lock()
	h.ctrl.Paused = true
	speaker.Unlock()
}

func (h *beepHandle) SetVolume(level float64) {
	speaker.Lock()
	if level <= 0 {
		h.volume.Silent = true
	} else {
		h.volume.Silent = false
		h.volume.Volume = levelToExponent(level)
	}
	speaker.Unlock()
}

func (h *beepHandle) Playing() bool {
	speaker.Lock()
	defer speaker.Unlock()
	return !h.ctrl.Paused
}

func (h *beepHandle) Close() {
	speaker.Lock()
	h.ctrl.Streamer = nil
	speaker.Unlock()
	h.streamer.Close()
}

// levelToExponent maps a 0..1 level onto the same perceptual curve the
// primary engine uses for its percent volume.
func levelToExponent(level float64) float64 {
	if level <= 0 {
		return engine.MinVolumeDB
	}
	if level > 1 {
		level = 1
	}
	return engine.MinVolumeDB * (1 - math.Pow(level, engine.VolumeCurveExponent))
}
