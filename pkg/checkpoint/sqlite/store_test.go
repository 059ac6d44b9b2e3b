package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/config"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/sqlite"
)

// newTestStore opens a file-backed store with the schema applied.
func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Setup(context.Background()))
	return store
}

func newCheckpoint(id string, values map[string]any, versions map[string]string) *checkpoint.Checkpoint {
	ckpt := checkpoint.New()
	ckpt.ID = id
	ckpt.ChannelValues = values
	ckpt.ChannelVersions = versions
	return ckpt
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ckpt := newCheckpoint("c1",
		map[string]any{"messages": []any{"hello"}, "count": float64(3)},
		map[string]string{"messages": "00001", "count": "00001"},
	)
	md := checkpoint.Metadata{"source": "loop", "step": float64(1)}

	next, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, ckpt, md,
		map[string]string{"messages": "00001", "count": "00001"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Config{ThreadID: "t1", CheckpointID: "c1"}, next)

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)

	assert.Equal(t, "c1", tuple.Config.CheckpointID)
	assert.Equal(t, "t1", tuple.Config.ThreadID)
	assert.Nil(t, tuple.ParentConfig)
	assert.Equal(t, map[string]any{"messages": []any{"hello"}, "count": float64(3)}, tuple.Checkpoint.ChannelValues)
	assert.Equal(t, md, tuple.Metadata)
}

func TestStore_GetLatestByLexicalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	for _, id := range []string{"c2", "c1", "c3"} {
		ckpt := newCheckpoint(id, nil, nil)
		var err error
		cfg, err = store.Put(ctx, cfg, ckpt, nil, nil)
		require.NoError(t, err)
	}

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "c3", tuple.Config.CheckpointID)
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	tuple, err := store.Get(context.Background(), checkpoint.Config{ThreadID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestStore_GetRequiresThreadID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), checkpoint.Config{})
	var cfgErr *checkpoint.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "thread_id", cfgErr.Field)
}

func TestStore_PutRequiresThreadID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put(context.Background(), checkpoint.Config{}, newCheckpoint("c1", nil, nil), nil, nil)
	var cfgErr *checkpoint.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "thread_id", cfgErr.Field)
}

func TestStore_PutSetsParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	_, err = store.Put(ctx, cfg, newCheckpoint("c2", nil, nil), nil, nil)
	require.NoError(t, err)

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c2"})
	require.NoError(t, err)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, "c1", tuple.ParentConfig.CheckpointID)
}

// A version bump without a value stores the empty sentinel, so the channel
// is absent from the newer checkpoint's reconstruction while the older one
// still resolves the old version's blob.
func TestStore_EmptySentinelOmitsChannel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1 := newCheckpoint("c1", map[string]any{"x": float64(1)}, map[string]string{"x": "00001"})
	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, c1, nil,
		map[string]string{"x": "00001"})
	require.NoError(t, err)

	c2 := newCheckpoint("c2", map[string]any{}, map[string]string{"x": "00002"})
	_, err = store.Put(ctx, cfg, c2, nil, map[string]string{"x": "00002"})
	require.NoError(t, err)

	latest, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.Config.CheckpointID)
	assert.NotContains(t, latest.Checkpoint.ChannelValues, "x")

	older, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, older.Checkpoint.ChannelValues)
}

// Re-writing the same (channel, version) replays idempotently: only the
// last value is retrievable.
func TestStore_BlobUpsertIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	versions := map[string]string{"x": "00001"}
	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"},
		newCheckpoint("c1", map[string]any{"x": "first"}, versions), nil, versions)
	require.NoError(t, err)

	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t1"},
		newCheckpoint("c1", map[string]any{"x": "second"}, versions), nil, versions)
	require.NoError(t, err)

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "second"}, tuple.Checkpoint.ChannelValues)
}

func TestStore_PendingSendsFromParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	// Sends queued against c1 become c2's pending sends.
	err = store.PutWrites(ctx, cfg, []checkpoint.ChannelWrite{
		{Channel: checkpoint.ChannelPendingSends, Value: "send-1"},
	}, "task-1")
	require.NoError(t, err)

	_, err = store.Put(ctx, cfg, newCheckpoint("c2", nil, nil), nil, nil)
	require.NoError(t, err)

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, []any{"send-1"}, tuple.Checkpoint.PendingSends)

	// The parent itself has no sends reconstructed (no parent of its own).
	parent, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, parent.Checkpoint.PendingSends)
}

func TestStore_PutWritesRequiresIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.PutWrites(ctx, checkpoint.Config{}, nil, "task-1")
	var cfgErr *checkpoint.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "thread_id", cfgErr.Field)

	err = store.PutWrites(ctx, checkpoint.Config{ThreadID: "t1"}, nil, "task-1")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "checkpoint_id", cfgErr.Field)
}

// Reserved-only batches upsert: an identical replay overwrites in place.
func TestStore_PutWritesReservedUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	writes := []checkpoint.ChannelWrite{{Channel: checkpoint.ChannelError, Value: "boom"}}
	require.NoError(t, store.PutWrites(ctx, cfg, writes, "task-1"))

	writes[0].Value = "boom-2"
	require.NoError(t, store.PutWrites(ctx, cfg, writes, "task-1"))

	tuple, err := store.Get(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "boom-2", tuple.PendingWrites[0].Value)
}

// Batches containing a non-reserved channel are append-only: a replay with
// colliding indexes must not overwrite the rows already stored.
func TestStore_PutWritesNonReservedAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	writes := []checkpoint.ChannelWrite{{Channel: "custom_chan", Value: "first"}}
	require.NoError(t, store.PutWrites(ctx, cfg, writes, "task-1"))

	writes[0].Value = "second"
	require.NoError(t, store.PutWrites(ctx, cfg, writes, "task-1"))

	tuple, err := store.Get(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "first", tuple.PendingWrites[0].Value)
}

// Mixed batches place reserved channels at their fixed index and everything
// else at its batch position.
func TestStore_PutWritesMixedIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	err = store.PutWrites(ctx, cfg, []checkpoint.ChannelWrite{
		{Channel: checkpoint.ChannelStart, Value: "input"},
		{Channel: "custom_chan", Value: "custom"},
	}, "task-1")
	require.NoError(t, err)

	tuple, err := store.Get(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	// Rows come back ordered by (task_id, idx): __start__ at 0, custom at 1.
	assert.Equal(t, checkpoint.ChannelStart, tuple.PendingWrites[0].Channel)
	assert.Equal(t, "custom_chan", tuple.PendingWrites[1].Channel)
}

func TestStore_ListDescendingWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	for _, id := range []string{"c1", "c2", "c3"} {
		var err error
		cfg, err = store.Put(ctx, cfg, newCheckpoint(id, nil, nil), nil, nil)
		require.NoError(t, err)
	}

	var ids []string
	for tuple, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, nil) {
		require.NoError(t, err)
		ids = append(ids, tuple.Config.CheckpointID)
	}
	assert.Equal(t, []string{"c3", "c2", "c1"}, ids)

	ids = nil
	for tuple, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, &checkpoint.ListFilter{Limit: 2}) {
		require.NoError(t, err)
		ids = append(ids, tuple.Config.CheckpointID)
	}
	assert.Equal(t, []string{"c3", "c2"}, ids)
}

func TestStore_ListBeforeCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	for _, id := range []string{"c1", "c2", "c3"} {
		var err error
		cfg, err = store.Put(ctx, cfg, newCheckpoint(id, nil, nil), nil, nil)
		require.NoError(t, err)
	}

	filter := &checkpoint.ListFilter{Before: &checkpoint.Config{CheckpointID: "c3"}}
	for tuple, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, filter) {
		require.NoError(t, err)
		assert.Less(t, tuple.Config.CheckpointID, "c3")
	}
}

func TestStore_ListMetadataFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil),
		checkpoint.Metadata{"source": "input", "step": float64(-1)}, nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c2", nil, nil),
		checkpoint.Metadata{"source": "loop", "step": float64(0)}, nil)
	require.NoError(t, err)

	filter := &checkpoint.ListFilter{Metadata: map[string]any{"source": "loop"}}
	var ids []string
	for tuple, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, filter) {
		require.NoError(t, err)
		ids = append(ids, tuple.Config.CheckpointID)
	}
	assert.Equal(t, []string{"c2"}, ids)
}

func TestStore_ListNoFilterScansEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("a1", nil, nil), nil, nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t2"}, newCheckpoint("b1", nil, nil), nil, nil)
	require.NoError(t, err)

	count := 0
	for _, err := range store.List(ctx, checkpoint.Config{}, nil) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestStore_ListEarlyStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint(id, nil, nil), nil, nil)
		require.NoError(t, err)
	}

	seen := 0
	for _, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, nil) {
		require.NoError(t, err)
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
}

func TestStore_NamespacesIsolateBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	versions := map[string]string{"x": "00001"}
	_, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "inner"},
		newCheckpoint("c1", map[string]any{"x": "inner-value"}, versions), nil, versions)
	require.NoError(t, err)
	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t1"},
		newCheckpoint("c2", map[string]any{"x": "root-value"}, versions), nil, versions)
	require.NoError(t, err)

	inner, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "inner"})
	require.NoError(t, err)
	assert.Equal(t, "c1", inner.Config.CheckpointID)
	assert.Equal(t, map[string]any{"x": "inner-value"}, inner.Checkpoint.ChannelValues)

	// Thread-only list crosses namespaces.
	count := 0
	for _, err := range store.List(ctx, checkpoint.Config{ThreadID: "t1"}, nil) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestStore_DeleteThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	versions := map[string]string{"x": "00001"}
	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"},
		newCheckpoint("c1", map[string]any{"x": float64(1)}, versions), nil, versions)
	require.NoError(t, err)
	require.NoError(t, store.PutWrites(ctx, cfg, []checkpoint.ChannelWrite{{Channel: "ch", Value: "v"}}, "task-1"))

	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t2"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteThread(ctx, "t1"))

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	other, err := store.Get(ctx, checkpoint.Config{ThreadID: "t2"})
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store1, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store1.Setup(ctx))
	_, err = store1.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	// Reopening the database keeps the data.
	store2, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	tuple, err := store2.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "c1", tuple.Config.CheckpointID)
}

func TestStore_OpenSettings(t *testing.T) {
	st := config.Default()
	st.Path = filepath.Join(t.TempDir(), "test.db")
	st.JournalMode = "DELETE"
	st.MaxOpenConns = 2
	st.MaxIdleConns = 1

	store, err := sqlite.OpenSettings(st)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Setup(ctx))

	_, err = store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, newCheckpoint("c1", nil, nil), nil, nil)
	require.NoError(t, err)

	tuple, err := store.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
}

func TestStore_CloseIdempotent(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())

	_, err = store.Get(context.Background(), checkpoint.Config{ThreadID: "t1"})
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
}
