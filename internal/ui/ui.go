// Package ui renders the terminal now-playing surface. All transport
// input funnels through the session coordinator; the UI never touches
// the engine directly.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/ambient"
	"github.com/akumarsingh35/dozlo-sub000/internal/config"
	"github.com/akumarsingh35/dozlo-sub000/internal/session"
	"github.com/akumarsingh35/dozlo-sub000/internal/track"
)

const (
	VolumeStep       = 5
	SeekStep         = 10 * time.Second
	AmbientStep      = 0.1
	ProgressBarWidth = 40
	FooterHeight     = 1
	HeaderHeight     = 3
)

type UI struct {
	app     *tview.Application
	coord   *session.Coordinator
	mixer   *ambient.Mixer
	library []track.Track
	cfg     *config.Config

	trackList    *tview.Table
	nowPlaying   *tview.TextView
	ambientPanel *tview.TextView
	footer       *tview.TextView
	layout       *tview.Flex

	stopUpdates chan struct{}

	colors struct {
		background tcell.Color
		foreground tcell.Color
		borders    tcell.Color
		highlight  tcell.Color
	}
}

func NewUI(coord *session.Coordinator, mixer *ambient.Mixer, library []track.Track, cfg *config.Config) *UI {
	ui := &UI{
		app:         tview.NewApplication(),
		coord:       coord,
		mixer:       mixer,
		library:     library,
		cfg:         cfg,
		stopUpdates: make(chan struct{}),
	}

	ui.colors.background = config.GetColor(cfg.Theme.Background)
	ui.colors.foreground = config.GetColor(cfg.Theme.Foreground)
	ui.colors.borders = config.GetColor(cfg.Theme.Borders)
	ui.colors.highlight = config.GetColor(cfg.Theme.Highlight)

	return ui
}

func (ui *UI) Run() error {
	ui.setupLayout()
	ui.setupKeys()
	ui.configureScreen()

	go ui.watchUpdates()

	return ui.app.SetRoot(ui.layout, true).Run()
}

// Shutdown stops the UI from external callers (e.g. signal handlers).
func (ui *UI) Shutdown() {
	ui.app.QueueUpdateDraw(func() {
		ui.stop()
	})
}

func (ui *UI) stop() {
	select {
	case <-ui.stopUpdates:
	default:
		close(ui.stopUpdates)
	}
	ui.app.Stop()
}

func (ui *UI) configureScreen() {
	bgStyle := tcell.StyleDefault.Background(ui.colors.background)
	ui.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		screen.SetStyle(bgStyle)
		return false
	})
}

func (ui *UI) setupLayout() {
	ui.trackList = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	ui.trackList.SetBorder(true).
		SetTitle(" Library ").
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.background)
	ui.renderLibrary()

	ui.trackList.SetSelectedFunc(func(row, _ int) {
		if row < 1 || row > len(ui.library) {
			return
		}
		ui.playTrack(ui.library[row-1])
	})

	ui.nowPlaying = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	ui.nowPlaying.SetBorder(true).
		SetTitle(" Now Playing ").
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.background)

	ui.ambientPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	ui.ambientPanel.SetBorder(true).
		SetTitle(" Ambient ").
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.background)

	ui.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[::b]enter[-:-:-] play  [::b]space[-:-:-] pause  [::b]←/→[-:-:-] seek  [::b]+/-[-:-:-] volume  [::b]m[-:-:-] mute  [::b]1-3[-:-:-] ambient  [::b]q[-:-:-] quit")
	ui.footer.SetBackgroundColor(ui.colors.background)

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.nowPlaying, 0, 2, false).
		AddItem(ui.ambientPanel, 0, 1, false)

	content := tview.NewFlex().
		AddItem(ui.trackList, 0, 1, true).
		AddItem(right, 0, 2, false)

	ui.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(content, 0, 1, true).
		AddItem(ui.footer, FooterHeight, 0, false)

	ui.renderNowPlaying(ui.coord.Status())
	ui.renderAmbient()
}

func (ui *UI) renderLibrary() {
	headers := []string{"Title", "Artist"}
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(ui.colors.highlight).
			SetSelectable(false).
			SetExpansion(1)
		ui.trackList.SetCell(0, col, cell)
	}
	for i, t := range ui.library {
		ui.trackList.SetCell(i+1, 0, tview.NewTableCell(t.Title).
			SetTextColor(ui.colors.foreground).
			SetExpansion(1))
		ui.trackList.SetCell(i+1, 1, tview.NewTableCell(t.Artist).
			SetTextColor(ui.colors.foreground).
			SetExpansion(1))
	}
}

func (ui *UI) setupKeys() {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyLeft:
			if err := ui.coord.SeekBy(-SeekStep); err != nil {
				log.Debug().Err(err).Msg("Seek ignored")
			}
			return nil
		case tcell.KeyRight:
			if err := ui.coord.SeekBy(SeekStep); err != nil {
				log.Debug().Err(err).Msg("Seek ignored")
			}
			return nil
		}

		switch event.Rune() {
		case ' ':
			if err := ui.coord.TogglePlayback(); err != nil {
				log.Debug().Err(err).Msg("Toggle ignored")
			}
			return nil
		case '+', '=':
			ui.coord.SetVolume(ui.coord.Volume() + VolumeStep)
			ui.refresh()
			return nil
		case '-', '_':
			ui.coord.SetVolume(ui.coord.Volume() - VolumeStep)
			ui.refresh()
			return nil
		case 'm', 'M':
			ui.coord.ToggleMute()
			ui.refresh()
			return nil
		case '1', '2', '3':
			ui.cycleAmbient(int(event.Rune() - '1'))
			return nil
		case 'q', 'Q':
			ui.stop()
			return nil
		}
		return event
	})
}

func (ui *UI) playTrack(t track.Track) {
	// RequestPlayback blocks until the session is established, so it
	// runs off the UI thread.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ui.cfg.Playback.SessionTimeout())
		defer cancel()
		if err := ui.coord.RequestPlayback(ctx, t); err != nil {
			log.Warn().Err(err).Str("track", t.ID).Msg("Playback request failed")
		}
	}()
}

// cycleAmbient steps one ambient track's volume up, wrapping past full
// back to silent.
func (ui *UI) cycleAmbient(index int) {
	statuses := ui.mixer.Statuses()
	if index < 0 || index >= len(statuses) {
		return
	}
	s := statuses[index]
	next := s.Volume + AmbientStep
	if next > 1.0+1e-9 {
		next = 0
	}
	ui.mixer.SetVolume(s.ID, next)
	ui.renderAmbient()
}

// watchUpdates applies coordinator snapshots to the screen.
func (ui *UI) watchUpdates() {
	for {
		select {
		case <-ui.stopUpdates:
			return
		case st := <-ui.coord.Updates():
			ui.app.QueueUpdateDraw(func() {
				ui.renderNowPlaying(st)
				ui.renderAmbient()
			})
		}
	}
}

func (ui *UI) refresh() {
	ui.renderNowPlaying(ui.coord.Status())
	ui.renderAmbient()
}

func (ui *UI) renderNowPlaying(st session.Status) {
	highlight := ui.colors.highlight.String()

	var text string
	switch st.State {
	case session.StateIdle, session.StateStopping:
		text = "\n  Nothing playing.\n\n  Select a track and press enter."
	case session.StateResolving, session.StateLoading:
		text = fmt.Sprintf("\n  [%s]Loading[-] %s…", highlight, tview.Escape(st.Track.Title))
	case session.StateError:
		text = "\n  [red]Playback failed.[-]\n\n  Select a track to try again."
	default:
		icon := "▶"
		if st.State == session.StatePaused {
			icon = "⏸"
		}
		muted := ""
		if st.Muted {
			muted = " [red](muted)[-]"
		}
		text = fmt.Sprintf("\n  [%s]%s %s[-]\n  %s\n\n  %s\n  %s / %s    vol %d%%%s",
			highlight, icon, tview.Escape(st.Track.Title),
			tview.Escape(st.Track.Artist),
			renderProgressBar(st.Position, st.Duration, ProgressBarWidth),
			formatDuration(st.Position), formatDuration(st.Duration),
			st.Volume, muted)
	}
	ui.nowPlaying.SetText(text)
}

func (ui *UI) renderAmbient() {
	highlight := ui.colors.highlight.String()

	text := "\n"
	for i, s := range ui.mixer.Statuses() {
		state := renderVolumeBar(s.Volume, 10)
		if s.Failed {
			state = "[red]unavailable[-]"
		}
		text += fmt.Sprintf("  [%s]%d[-] %-10s %s\n", highlight, i+1, s.Name, state)
	}
	ui.ambientPanel.SetText(text)
}

func renderProgressBar(pos, dur time.Duration, width int) string {
	if dur <= 0 {
		return ""
	}
	filled := int(float64(width) * float64(pos) / float64(dur))
	if filled > width {
		filled = width
	}
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "━"
		} else {
			bar += "─"
		}
	}
	return bar
}

func renderVolumeBar(level float64, width int) string {
	filled := int(level*float64(width) + 0.5)
	if filled > width {
		filled = width
	}
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return fmt.Sprintf("%s %3.0f%%", bar, level*100)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}
