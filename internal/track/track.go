// Package track defines the data structures for playable tracks and ambient sounds.
package track

// Track describes a primary playable item as handed to the playback
// coordinator by the UI or by OS media controls.
type Track struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	SourcePath  string `json:"sourcePath"` // Object path on the media store, not a URL
	ArtworkURL  string `json:"artworkUrl"`
	Description string `json:"description"`
}

// Valid reports whether the descriptor carries the fields required to
// start playback.
func (t Track) Valid() bool {
	return t.ID != "" && t.SourcePath != ""
}

// Same reports whether two descriptors refer to the same logical track.
func (t Track) Same(other Track) bool {
	return t.ID != "" && t.ID == other.ID
}

// AmbientSound describes a looping background sound layered under the
// primary track.
type AmbientSound struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourcePath string `json:"sourcePath"`
}

// BuiltinAmbientSounds returns the ambient sound set created once at
// startup. The set persists across playback sessions; only per-track
// volume and failure state change.
func BuiltinAmbientSounds() []AmbientSound {
	return []AmbientSound{
		{ID: "rain", Name: "Rain", SourcePath: "ambient/rain.mp3"},
		{ID: "crickets", Name: "Crickets", SourcePath: "ambient/crickets.mp3"},
		{ID: "ocean", Name: "Ocean", SourcePath: "ambient/ocean.mp3"},
	}
}
