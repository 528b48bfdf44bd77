package track

import "testing"

func TestTrackValid(t *testing.T) {
	tests := []struct {
		name     string
		track    Track
		expected bool
	}{
		{"complete", Track{ID: "a", Title: "A", SourcePath: "media/a.mp3"}, true},
		{"missing_id", Track{SourcePath: "media/a.mp3"}, false},
		{"missing_path", Track{ID: "a", Title: "A"}, false},
		{"empty", Track{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.track.Valid(); got != tt.expected {
				t.Errorf("Valid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTrackSame(t *testing.T) {
	a := Track{ID: "a", SourcePath: "media/a.mp3"}
	b := Track{ID: "b", SourcePath: "media/b.mp3"}
	aCopy := Track{ID: "a", Title: "Different metadata, same track"}

	if !a.Same(aCopy) {
		t.Error("tracks with the same ID should match")
	}
	if a.Same(b) {
		t.Error("tracks with different IDs should not match")
	}
	if (Track{}).Same(Track{}) {
		t.Error("empty descriptors must never match each other")
	}
}

func TestBuiltinAmbientSounds(t *testing.T) {
	sounds := BuiltinAmbientSounds()
	if len(sounds) != 3 {
		t.Fatalf("got %d sounds, want 3", len(sounds))
	}
	seen := make(map[string]bool)
	for _, s := range sounds {
		if s.ID == "" || s.SourcePath == "" {
			t.Errorf("sound %+v missing id or path", s)
		}
		if seen[s.ID] {
			t.Errorf("duplicate sound id %s", s.ID)
		}
		seen[s.ID] = true
	}
}
