package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// resumeEntry is one persisted playback position.
type resumeEntry struct {
	Position  time.Duration `yaml:"position"`
	UpdatedAt time.Time     `yaml:"updated_at"`
}

type resumeFile struct {
	Tracks map[string]resumeEntry `yaml:"tracks"`
}

// ResumeStore persists per-track playback positions so a track picks
// up where it left off across sessions.
type ResumeStore struct {
	path string

	mu      sync.Mutex
	entries map[string]resumeEntry
}

// NewResumeStore loads the store at path, starting empty if the file
// does not exist yet.
func NewResumeStore(path string) (*ResumeStore, error) {
	s := &ResumeStore{
		path:    path,
		entries: make(map[string]resumeEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read resume file: %w", err)
	}

	var f resumeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		// A corrupt file should not block playback; start over
		log.Warn().Err(err).Str("path", path).Msg("Resume file unreadable, starting fresh")
		return s, nil
	}
	if f.Tracks != nil {
		s.entries = f.Tracks
	}
	return s, nil
}

// Position returns the saved position for a track, zero if none.
func (s *ResumeStore) Position(trackID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[trackID].Position
}

// Set records a position. The write is batched to disk by Save.
func (s *ResumeStore) Set(trackID string, pos time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[trackID] = resumeEntry{Position: pos, UpdatedAt: time.Now()}
}

// Clear drops a track's saved position, used when it finishes.
func (s *ResumeStore) Clear(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, trackID)
}

// Save writes the store atomically: temp file then rename.
func (s *ResumeStore) Save() error {
	s.mu.Lock()
	f := resumeFile{Tracks: make(map[string]resumeEntry, len(s.entries))}
	for id, e := range s.entries {
		f.Tracks[id] = e
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal resume data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create resume directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write resume file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move resume file: %w", err)
	}
	return nil
}
