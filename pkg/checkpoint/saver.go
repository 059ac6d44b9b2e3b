package checkpoint

import (
	"context"
	"iter"
)

// Config addresses checkpoint state.
//
// ThreadID is required for all writes. Namespace defaults to "" (the root
// namespace); on read paths an empty Namespace matches any namespace.
// CheckpointID is optional: absent on Get it means "the latest checkpoint",
// and on Put it names the checkpoint being extended (the new parent).
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Tuple is a fully reconstructed checkpoint as returned by Get and List.
type Tuple struct {
	// Config is the resolved identity of the checkpoint.
	Config Config

	// Checkpoint is the reconstructed snapshot, including channel values
	// and pending sends.
	Checkpoint *Checkpoint

	// Metadata is the provenance stored alongside the checkpoint.
	Metadata Metadata

	// ParentConfig identifies the checkpoint this one extends, if any.
	ParentConfig *Config

	// PendingWrites are the writes recorded against this checkpoint,
	// ordered by task ID then write index.
	PendingWrites []PendingWrite
}

// ChannelWrite is one write a task intends to apply to a channel.
type ChannelWrite struct {
	Channel string
	Value   any
}

// PendingWrite is a stored write read back alongside its checkpoint.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
}

// ListFilter narrows a List traversal.
type ListFilter struct {
	// Metadata requires each given key to be present in a checkpoint's
	// metadata with exactly the given value.
	Metadata map[string]any

	// Before excludes checkpoints whose ID is >= Before.CheckpointID.
	Before *Config

	// Limit caps the number of checkpoints yielded. Zero means no cap.
	Limit int
}

// Saver persists and retrieves checkpoints.
//
// Any backend implementing Saver over the data model in this package is
// substitutable. Implementations must be safe for concurrent use; callers
// needing single-writer-per-thread semantics must enforce them above this
// layer, since concurrent Puts for the same identity resolve last-commit-wins.
type Saver interface {
	// Get returns the checkpoint addressed by cfg: the exact checkpoint
	// when cfg.CheckpointID is set, otherwise the one with the greatest
	// ID for the thread. Returns (nil, nil) when nothing matches.
	Get(ctx context.Context, cfg Config) (*Tuple, error)

	// List yields checkpoints matching cfg and filter, newest first
	// (descending checkpoint ID). The sequence is finite and lazy; it is
	// restarted only by calling List again.
	List(ctx context.Context, cfg Config, filter *ListFilter) iter.Seq2[*Tuple, error]

	// Put stores a checkpoint with its metadata and the blobs implied by
	// newVersions, atomically. The incoming cfg.CheckpointID becomes the
	// stored checkpoint's parent. Returns the identity of the stored
	// checkpoint for chaining.
	Put(ctx context.Context, cfg Config, ckpt *Checkpoint, md Metadata, newVersions map[string]string) (Config, error)

	// PutWrites records a task's intended channel writes against the
	// checkpoint addressed by cfg, atomically. Replaying a batch that
	// targets only reserved channels overwrites the previous rows;
	// batches with any non-reserved channel never overwrite.
	PutWrites(ctx context.Context, cfg Config, writes []ChannelWrite, taskID string) error

	// DeleteThread removes every checkpoint, blob, and write belonging
	// to the thread. Returns nil if the thread has no state.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources (connections, files).
	Close() error
}
