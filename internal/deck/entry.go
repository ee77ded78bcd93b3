package deck

import (
	"time"

	"github.com/woxQAQ/nostr-cassette/internal/cassette"
)

// Entry is a loaded cassette together with its manifest.
type Entry struct {
	// Manifest is the parsed or synthesized cassette metadata
	Manifest *Manifest

	// Cassette is the instantiated module
	Cassette *cassette.Cassette

	// LoadedAt is the timestamp when the cassette was loaded
	LoadedAt time.Time
}

// Name returns the cassette name.
func (e *Entry) Name() string {
	return e.Manifest.Name
}

// Version returns the manifest version, empty for bare files.
func (e *Entry) Version() string {
	return e.Manifest.Version
}

// Description returns the manifest description.
func (e *Entry) Description() string {
	return e.Manifest.Description
}
