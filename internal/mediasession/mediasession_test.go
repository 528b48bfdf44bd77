package mediasession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestChannelBridgeRetainsLastSnapshot(t *testing.T) {
	b := NewChannelBridge()
	defer b.Close()

	b.Push(State{Title: "First", Playback: PlaybackPlaying})
	b.Push(State{Title: "Second", Artist: "Someone", Playback: PlaybackPaused, Position: 42 * time.Second})

	got := b.Last()
	if got.Title != "Second" || got.Playback != PlaybackPaused {
		t.Errorf("Last() = %+v, want the second snapshot", got)
	}
	if b.Pushes() != 2 {
		t.Errorf("Pushes() = %d, want 2", b.Pushes())
	}
}

func TestChannelBridgeClearResetsState(t *testing.T) {
	b := NewChannelBridge()
	defer b.Close()

	b.Push(State{Title: "Something", Playback: PlaybackPlaying})
	b.Clear()
	b.Clear() // Repeated clears are fine

	if got := b.Last(); got != (State{}) {
		t.Errorf("Last() after Clear = %+v, want zero state", got)
	}
	if b.Clears() != 2 {
		t.Errorf("Clears() = %d, want 2", b.Clears())
	}

	// Push after Clear must still work
	b.Push(State{Title: "Back"})
	if b.Last().Title != "Back" {
		t.Error("push after clear was lost")
	}
}

func TestChannelBridgeDeliversControls(t *testing.T) {
	b := NewChannelBridge()
	defer b.Close()

	b.Emit(Control{Kind: ControlToggle})
	b.Emit(Control{Kind: ControlSeekTo, SeekTo: 90 * time.Second})

	first := <-b.Controls()
	if first.Kind != ControlToggle {
		t.Errorf("first control = %s, want toggle", first.Kind)
	}
	second := <-b.Controls()
	if second.Kind != ControlSeekTo || second.SeekTo != 90*time.Second {
		t.Errorf("second control = %+v, want seek_to 90s", second)
	}
}

func TestChannelBridgeCloseEndsControlStream(t *testing.T) {
	b := NewChannelBridge()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal("second Close errored")
	}
	if _, ok := <-b.Controls(); ok {
		t.Error("controls channel still open after Close")
	}
	b.Emit(Control{Kind: ControlPlay}) // Must not panic
}

func TestPlaybackStateStrings(t *testing.T) {
	tests := []struct {
		state    PlaybackState
		expected string
	}{
		{PlaybackNone, "none"},
		{PlaybackPlaying, "playing"},
		{PlaybackPaused, "paused"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestArtworkResolveFetchesOnce(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	cache := NewArtworkCache(t.TempDir(), resty.New())
	url := srv.URL + "/cover.png"

	ref := cache.Resolve(context.Background(), url)
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("Resolve() = %q, want file:// reference", ref)
	}

	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("cached file unreadable: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("cached content = %q", data)
	}

	// Second resolve is a cache hit
	if again := cache.Resolve(context.Background(), url); again != ref {
		t.Errorf("second Resolve() = %q, want %q", again, ref)
	}
	if requests != 1 {
		t.Errorf("server saw %d requests, want 1", requests)
	}
}

func TestArtworkResolveEmptyAndFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := NewArtworkCache(t.TempDir(), resty.New())

	if ref := cache.Resolve(context.Background(), ""); ref != "" {
		t.Errorf("Resolve(empty) = %q, want empty", ref)
	}
	// A failed fetch renders without artwork instead of erroring
	if ref := cache.Resolve(context.Background(), srv.URL+"/missing.png"); ref != "" {
		t.Errorf("Resolve(404) = %q, want empty", ref)
	}
}

func TestArtworkCleanExpired(t *testing.T) {
	dir := t.TempDir()
	cache := NewArtworkCache(dir, resty.New())

	artDir := filepath.Join(dir, ArtworkSubdir)
	if err := os.MkdirAll(artDir, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(artDir, "stale")
	fresh := filepath.Join(artDir, "fresh")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-ArtworkExpiry - time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if err := cache.CleanExpired(); err != nil {
		t.Fatalf("CleanExpired() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expired artwork not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh artwork removed")
	}
}
