// Package pipeline holds the configuration and job payload shapes shared by
// the extraction and organization stages and the worker that runs them.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// DefaultConfidenceThreshold gates automatic application of oracle output.
// Suggestions at or above it apply directly; below it they go to review.
const DefaultConfidenceThreshold = 0.8

// DefaultRecentSampleLimit bounds the recent-entity sample assembled for the
// organization stage's duplicate comparison.
const DefaultRecentSampleLimit = 120

// Config is the shared stage configuration. It is passed to every stage by
// value so tests can vary the threshold per scenario without touching any
// global state.
type Config struct {
	// ConfidenceThreshold is the apply/defer boundary, in [0, 1].
	ConfidenceThreshold float64

	// RecentSampleLimit caps the duplicate comparison sample.
	RecentSampleLimit int
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		RecentSampleLimit:   DefaultRecentSampleLimit,
	}
}

// Validate checks the configuration values are usable.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1 (got %g)", c.ConfidenceThreshold)
	}
	if c.RecentSampleLimit < 0 {
		return fmt.Errorf("recent sample limit cannot be negative")
	}
	return nil
}

// ExtractJob is the payload of an extract (or reprocess) job. The note id
// doubles as the dedupe key.
type ExtractJob struct {
	NoteID string `json:"note_id"`
}

// OrganizeJob is the payload of an organize job, enqueued by the extraction
// stage after its transaction commits. Entity ids are in batch index order,
// which the oracle's placement indices refer back to.
type OrganizeJob struct {
	NoteID    string   `json:"note_id"`
	EntityIDs []string `json:"entity_ids"`
}

// Encode marshals a job payload.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Payload structs are plain data; this cannot fail at runtime.
		panic(fmt.Sprintf("pipeline: encode job payload: %v", err))
	}
	return b
}

// Decode unmarshals a job payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	return nil
}
