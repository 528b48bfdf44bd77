//go:build linux

package mediasession

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/server"
	"github.com/quarckster/go-mpris-server/pkg/types"
	"github.com/rs/zerolog/log"
)

// MPRISBridge exposes the playback session over D-Bus. Pushed
// snapshots back the MPRIS property reads; transport commands from
// desktop controls land on the Controls channel.
type MPRISBridge struct {
	server *server.Server

	mu    sync.Mutex
	state State

	controls chan Control
	closed   sync.Once
}

// NewMPRISBridge registers the player on the session bus under name.
func NewMPRISBridge(name, identity string) (*MPRISBridge, error) {
	b := &MPRISBridge{
		controls: make(chan Control, controlBufferSize),
	}

	root := &rootAdapter{identity: identity}
	player := &playerAdapter{bridge: b}
	b.server = server.NewServer(name, root, player)

	go func() {
		if err := b.server.Listen(); err != nil {
			log.Debug().Err(err).Msg("MPRIS server stopped")
		}
	}()
	return b, nil
}

func (b *MPRISBridge) Push(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *MPRISBridge) Clear() {
	b.Push(State{})
}

func (b *MPRISBridge) Controls() <-chan Control { return b.controls }

func (b *MPRISBridge) Close() error {
	var err error
	b.closed.Do(func() {
		err = b.server.Stop()
		close(b.controls)
	})
	return err
}

func (b *MPRISBridge) snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *MPRISBridge) emit(c Control) error {
	select {
	case b.controls <- c:
	default:
		log.Debug().Str("kind", c.Kind.String()).Msg("Control channel full, dropping command")
	}
	return nil
}

type rootAdapter struct {
	identity string
}

func (r *rootAdapter) Raise() error { return nil }

func (r *rootAdapter) Quit() error { return nil }

func (r *rootAdapter) CanQuit() (bool, error) { return false, nil }

func (r *rootAdapter) CanRaise() (bool, error) { return false, nil }

func (r *rootAdapter) HasTrackList() (bool, error) { return false, nil }

func (r *rootAdapter) Identity() (string, error) { return r.identity, nil }

//nolint:revive // Method name required by interface.
func (r *rootAdapter) SupportedUriSchemes() ([]string, error) {
	return []string{"https", "file"}, nil
}

func (r *rootAdapter) SupportedMimeTypes() ([]string, error) {
	return []string{"audio/mpeg", "audio/mp3"}, nil
}

type playerAdapter struct {
	bridge *MPRISBridge
}

func (p *playerAdapter) Next() error { return nil }

func (p *playerAdapter) Previous() error { return nil }

func (p *playerAdapter) Pause() error {
	return p.bridge.emit(Control{Kind: ControlPause})
}

func (p *playerAdapter) PlayPause() error {
	return p.bridge.emit(Control{Kind: ControlToggle})
}

func (p *playerAdapter) Stop() error {
	return p.bridge.emit(Control{Kind: ControlStop})
}

func (p *playerAdapter) Play() error {
	return p.bridge.emit(Control{Kind: ControlPlay})
}

func (p *playerAdapter) Seek(offset types.Microseconds) error {
	return p.bridge.emit(Control{
		Kind:   ControlSeekBy,
		SeekTo: time.Duration(offset) * time.Microsecond,
	})
}

func (p *playerAdapter) SetPosition(_ string, position types.Microseconds) error {
	return p.bridge.emit(Control{
		Kind:   ControlSeekTo,
		SeekTo: time.Duration(position) * time.Microsecond,
	})
}

//nolint:revive // Method name required by interface.
func (p *playerAdapter) OpenUri(_ string) error { return nil }

func (p *playerAdapter) PlaybackStatus() (types.PlaybackStatus, error) {
	switch p.bridge.snapshot().Playback {
	case PlaybackPlaying:
		return types.PlaybackStatusPlaying, nil
	case PlaybackPaused:
		return types.PlaybackStatusPaused, nil
	default:
		return types.PlaybackStatusStopped, nil
	}
}

func (p *playerAdapter) Rate() (float64, error) {
	s := p.bridge.snapshot()
	if s.Rate == 0 {
		return 1.0, nil
	}
	return s.Rate, nil
}

func (p *playerAdapter) SetRate(_ float64) error { return nil }

func (p *playerAdapter) Metadata() (types.Metadata, error) {
	s := p.bridge.snapshot()
	if s.Title == "" {
		return types.Metadata{}, nil
	}

	meta := types.Metadata{
		TrackId: dbus.ObjectPath(formatTrackID(s.Title + "|" + s.Artist)),
		Length:  types.Microseconds(s.Duration.Microseconds()),
		Title:   s.Title,
		Artist:  []string{s.Artist},
	}
	if s.ArtworkRef != "" {
		meta.ArtUrl = s.ArtworkRef
	}
	return meta, nil
}

func (p *playerAdapter) Volume() (float64, error) { return 1.0, nil }

func (p *playerAdapter) SetVolume(_ float64) error { return nil }

func (p *playerAdapter) Position() (int64, error) {
	return p.bridge.snapshot().Position.Microseconds(), nil
}

func (p *playerAdapter) MinimumRate() (float64, error) { return 1.0, nil }

func (p *playerAdapter) MaximumRate() (float64, error) { return 1.0, nil }

func (p *playerAdapter) CanGoNext() (bool, error) { return false, nil }

func (p *playerAdapter) CanGoPrevious() (bool, error) { return false, nil }

func (p *playerAdapter) CanPlay() (bool, error) {
	return p.bridge.snapshot().Playback != PlaybackNone, nil
}

func (p *playerAdapter) CanPause() (bool, error) { return true, nil }

func (p *playerAdapter) CanSeek() (bool, error) { return true, nil }

func (p *playerAdapter) CanControl() (bool, error) { return true, nil }

func formatTrackID(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("/org/mpris/MediaPlayer2/Track/%x", h.Sum64())
}
