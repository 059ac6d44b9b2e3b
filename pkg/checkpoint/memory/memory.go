// Package memory provides an in-process checkpoint.Saver for tests and
// single-process use. Data is lost when the process exits.
//
// The store mirrors the storage discipline of the sqlite backend: channel
// values live as versioned blobs keyed separately from checkpoint bodies,
// writes are keyed by (checkpoint, task, index), and pending sends are
// reconstructed from the parent's writes on the reserved sends channel.
// Values round-trip through the configured serializer, so a value read
// back is exactly what a durable backend would have returned.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/serde"
)

type ckptKey struct {
	thread string
	ns     string
	id     string
}

type blobKey struct {
	thread  string
	ns      string
	channel string
	version string
}

type blobVal struct {
	tag  string
	data []byte
}

type storedCheckpoint struct {
	body   []byte
	md     []byte
	parent string
}

type writeEntry struct {
	taskID  string
	idx     int
	channel string
	tag     string
	data    []byte
}

// Store is an in-memory checkpoint.Saver.
type Store struct {
	mu          sync.RWMutex
	serializer  serde.Serializer
	checkpoints map[ckptKey]storedCheckpoint
	blobs       map[blobKey]blobVal
	writes      map[ckptKey][]writeEntry
	closed      bool
}

// Compile-time interface check.
var _ checkpoint.Saver = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerializer replaces the default JSON serializer registry.
func WithSerializer(s serde.Serializer) Option {
	return func(st *Store) { st.serializer = s }
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		serializer:  serde.NewRegistry(),
		checkpoints: make(map[ckptKey]storedCheckpoint),
		blobs:       make(map[blobKey]blobVal),
		writes:      make(map[ckptKey][]writeEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements checkpoint.Saver.
func (s *Store) Get(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, &checkpoint.ConfigError{Field: "thread_id"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	key, ok := s.resolve(cfg)
	if !ok {
		return nil, nil
	}
	return s.buildTuple(key)
}

// resolve finds the addressed checkpoint key: exact when an ID is given,
// otherwise the lexically greatest ID for the thread. An empty namespace
// matches any namespace. Caller holds at least a read lock.
func (s *Store) resolve(cfg checkpoint.Config) (ckptKey, bool) {
	var best ckptKey
	found := false
	for key := range s.checkpoints {
		if key.thread != cfg.ThreadID {
			continue
		}
		if cfg.Namespace != "" && key.ns != cfg.Namespace {
			continue
		}
		if cfg.CheckpointID != "" {
			if key.id == cfg.CheckpointID {
				return key, true
			}
			continue
		}
		if !found || key.id > best.id || (key.id == best.id && key.ns < best.ns) {
			best = key
			found = true
		}
	}
	return best, found
}

// buildTuple reconstructs the full tuple for key. Caller holds at least a
// read lock.
func (s *Store) buildTuple(key ckptKey) (*checkpoint.Tuple, error) {
	stored := s.checkpoints[key]

	var ckpt checkpoint.Checkpoint
	if err := json.Unmarshal(stored.body, &ckpt); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	md := checkpoint.Metadata{}
	if err := json.Unmarshal(stored.md, &md); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	values := make(map[string]any, len(ckpt.ChannelVersions))
	for channel, version := range ckpt.ChannelVersions {
		b, ok := s.blobs[blobKey{key.thread, key.ns, channel, version}]
		if !ok || b.tag == serde.TagEmpty {
			continue
		}
		v, err := s.serializer.Load(b.tag, b.data)
		if err != nil {
			return nil, fmt.Errorf("load channel %q: %w", channel, err)
		}
		values[channel] = v
	}
	ckpt.ChannelValues = values

	writes, err := s.loadWrites(key, "")
	if err != nil {
		return nil, err
	}
	pending := make([]checkpoint.PendingWrite, 0, len(writes))
	for _, w := range writes {
		v, err := s.serializer.Load(w.tag, w.data)
		if err != nil {
			return nil, fmt.Errorf("load write %q: %w", w.channel, err)
		}
		pending = append(pending, checkpoint.PendingWrite{TaskID: w.taskID, Channel: w.channel, Value: v})
	}

	var parentCfg *checkpoint.Config
	if stored.parent != "" {
		sendEntries, err := s.loadWrites(ckptKey{key.thread, key.ns, stored.parent}, checkpoint.ChannelPendingSends)
		if err != nil {
			return nil, err
		}
		for _, w := range sendEntries {
			v, err := s.serializer.Load(w.tag, w.data)
			if err != nil {
				return nil, fmt.Errorf("load pending send: %w", err)
			}
			ckpt.PendingSends = append(ckpt.PendingSends, v)
		}
		parentCfg = &checkpoint.Config{ThreadID: key.thread, Namespace: key.ns, CheckpointID: stored.parent}
	}

	return &checkpoint.Tuple{
		Config:        checkpoint.Config{ThreadID: key.thread, Namespace: key.ns, CheckpointID: key.id},
		Checkpoint:    &ckpt,
		Metadata:      md,
		ParentConfig:  parentCfg,
		PendingWrites: pending,
	}, nil
}

// loadWrites returns key's writes in (task_id, idx) order, optionally
// restricted to one channel. Caller holds at least a read lock.
func (s *Store) loadWrites(key ckptKey, channel string) ([]writeEntry, error) {
	entries := s.writes[key]
	out := make([]writeEntry, 0, len(entries))
	for _, w := range entries {
		if channel != "" && w.channel != channel {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].taskID != out[j].taskID {
			return out[i].taskID < out[j].taskID
		}
		return out[i].idx < out[j].idx
	})
	return out, nil
}

// List implements checkpoint.Saver.
func (s *Store) List(ctx context.Context, cfg checkpoint.Config, filter *checkpoint.ListFilter) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, checkpoint.ErrStoreClosed)
			return
		}

		var md map[string]any
		var before string
		limit := 0
		if filter != nil {
			md = filter.Metadata
			if filter.Before != nil {
				before = filter.Before.CheckpointID
			}
			limit = filter.Limit
		}

		var keys []ckptKey
		for key := range s.checkpoints {
			if cfg.ThreadID != "" && key.thread != cfg.ThreadID {
				continue
			}
			if cfg.Namespace != "" && key.ns != cfg.Namespace {
				continue
			}
			if cfg.CheckpointID != "" && key.id != cfg.CheckpointID {
				continue
			}
			if before != "" && key.id >= before {
				continue
			}
			if len(md) > 0 && !s.matchesMetadata(key, md) {
				continue
			}
			keys = append(keys, key)
		}
		s.mu.RUnlock()

		// Newest first.
		sort.Slice(keys, func(i, j int) bool { return keys[i].id > keys[j].id })
		if limit > 0 && len(keys) > limit {
			keys = keys[:limit]
		}

		for _, key := range keys {
			s.mu.RLock()
			if _, ok := s.checkpoints[key]; !ok {
				s.mu.RUnlock()
				continue
			}
			tuple, err := s.buildTuple(key)
			s.mu.RUnlock()
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(tuple, nil) {
				return
			}
		}
	}
}

// matchesMetadata reports whether key's metadata contains every filter
// entry with an equal value. Equality is judged on the JSON encoding so
// typed filter values compare against stored generic shapes. Caller holds
// at least a read lock.
func (s *Store) matchesMetadata(key ckptKey, filter map[string]any) bool {
	md := map[string]json.RawMessage{}
	if err := json.Unmarshal(s.checkpoints[key].md, &md); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := md[k]
		if !ok {
			return false
		}
		raw, err := json.Marshal(want)
		if err != nil {
			return false
		}
		if !bytes.Equal(bytes.TrimSpace(got), raw) {
			return false
		}
	}
	return true
}

// Put implements checkpoint.Saver.
func (s *Store) Put(ctx context.Context, cfg checkpoint.Config, ckpt *checkpoint.Checkpoint, md checkpoint.Metadata, newVersions map[string]string) (checkpoint.Config, error) {
	if cfg.ThreadID == "" {
		return checkpoint.Config{}, &checkpoint.ConfigError{Field: "thread_id"}
	}

	// Serialize outside the lock.
	type pendingBlob struct {
		key blobKey
		val blobVal
	}
	blobs := make([]pendingBlob, 0, len(newVersions))
	for channel, version := range newVersions {
		pb := pendingBlob{
			key: blobKey{cfg.ThreadID, cfg.Namespace, channel, version},
			val: blobVal{tag: serde.TagEmpty},
		}
		if v, ok := ckpt.ChannelValues[channel]; ok {
			tag, data, err := s.serializer.Dump(v)
			if err != nil {
				return checkpoint.Config{}, fmt.Errorf("dump channel %q: %w", channel, err)
			}
			pb.val = blobVal{tag: tag, data: data}
		}
		blobs = append(blobs, pb)
	}

	body := *ckpt
	body.ChannelValues = nil
	body.PendingSends = nil
	bodyRaw, err := json.Marshal(&body)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("dump checkpoint: %w", err)
	}
	if md == nil {
		md = checkpoint.Metadata{}
	}
	mdRaw, err := json.Marshal(md)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("dump metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.Config{}, checkpoint.ErrStoreClosed
	}

	for _, pb := range blobs {
		s.blobs[pb.key] = pb.val
	}
	s.checkpoints[ckptKey{cfg.ThreadID, cfg.Namespace, ckpt.ID}] = storedCheckpoint{
		body:   bodyRaw,
		md:     mdRaw,
		parent: cfg.CheckpointID,
	}

	return checkpoint.Config{
		ThreadID:     cfg.ThreadID,
		Namespace:    cfg.Namespace,
		CheckpointID: ckpt.ID,
	}, nil
}

// PutWrites implements checkpoint.Saver.
func (s *Store) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.ChannelWrite, taskID string) error {
	if cfg.ThreadID == "" {
		return &checkpoint.ConfigError{Field: "thread_id"}
	}
	if cfg.CheckpointID == "" {
		return &checkpoint.ConfigError{Field: "checkpoint_id"}
	}

	entries := make([]writeEntry, 0, len(writes))
	for pos, w := range writes {
		tag, data, err := s.serializer.Dump(w.Value)
		if err != nil {
			return fmt.Errorf("dump write %q: %w", w.Channel, err)
		}
		entries = append(entries, writeEntry{
			taskID:  taskID,
			idx:     checkpoint.WriteIndex(w.Channel, pos),
			channel: w.Channel,
			tag:     tag,
			data:    data,
		})
	}
	upsert := checkpoint.AllReserved(writes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrStoreClosed
	}

	key := ckptKey{cfg.ThreadID, cfg.Namespace, cfg.CheckpointID}
	stored := s.writes[key]
	for _, e := range entries {
		found := false
		for i, existing := range stored {
			if existing.taskID == e.taskID && existing.idx == e.idx {
				if upsert {
					stored[i] = e
				}
				found = true
				break
			}
		}
		if !found {
			stored = append(stored, e)
		}
	}
	s.writes[key] = stored
	return nil
}

// DeleteThread implements checkpoint.Saver.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return &checkpoint.ConfigError{Field: "thread_id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrStoreClosed
	}

	for key := range s.checkpoints {
		if key.thread == threadID {
			delete(s.checkpoints, key)
		}
	}
	for key := range s.blobs {
		if key.thread == threadID {
			delete(s.blobs, key)
		}
	}
	for key := range s.writes {
		if key.thread == threadID {
			delete(s.writes, key)
		}
	}
	return nil
}

// Close implements checkpoint.Saver. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
