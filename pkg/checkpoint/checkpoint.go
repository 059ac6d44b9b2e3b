// Package checkpoint provides durable persistence for graph execution state.
//
// A checkpoint is a snapshot of an in-progress graph run: the values of its
// channels, provenance metadata, and a link to the checkpoint it extends.
// Checkpoints form a linked history per thread, so a run can be resumed from
// its head, branched from any earlier point, or audited step by step.
//
// The package defines the data model and the Saver capability interface.
// Conforming backends live in the sqlite and memory subpackages.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const FormatVersion = 1

// Checkpoint is the persisted snapshot of execution state at one step.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`

	// ID identifies this checkpoint within its thread and namespace.
	// IDs must sort lexically in creation order; use NewID.
	ID string `json:"id"`

	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`

	// ChannelValues holds the value of each channel at checkpoint time.
	// Values are persisted separately as versioned blobs, not inline.
	ChannelValues map[string]any `json:"channel_values,omitempty"`

	// ChannelVersions records the version token of each channel at
	// checkpoint time. Tokens are opaque but must sort lexically in
	// bump order within a thread and namespace.
	ChannelVersions map[string]string `json:"channel_versions"`

	// VersionsSeen tracks, per node, the channel versions it has consumed.
	VersionsSeen map[string]map[string]string `json:"versions_seen,omitempty"`

	// PendingSends are messages queued for delivery at the next step.
	// They are persisted as writes on this checkpoint's parent under the
	// reserved pending-sends channel, never inline.
	PendingSends []any `json:"pending_sends,omitempty"`
}

// Metadata is free-form provenance attached to a checkpoint,
// e.g. step number and source of the step.
type Metadata map[string]any

// New creates an empty checkpoint with a fresh time-ordered ID.
func New() *Checkpoint {
	return &Checkpoint{
		Version:         FormatVersion,
		ID:              NewID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(map[string]string),
		VersionsSeen:    make(map[string]map[string]string),
	}
}

// NewID returns a new checkpoint ID.
// IDs are UUIDv7, so their string form sorts in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
