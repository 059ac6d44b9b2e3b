// Package sqlite persists checkpoints to SQLite.
//
// The store keeps three tables: checkpoint bodies, versioned channel blobs,
// and pending writes, plus a migrations ledger. Every write path runs in a
// single transaction; durability and isolation are delegated to SQLite.
// Call Setup once before first use to bring the schema up to date.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/config"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/observability"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/serde"
)

const (
	upsertBlobSQL = `INSERT INTO checkpoint_blobs (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, channel, version)
		DO UPDATE SET type = excluded.type, blob = excluded.blob`

	upsertCheckpointSQL = `INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id)
		DO UPDATE SET parent_checkpoint_id = excluded.parent_checkpoint_id,
			checkpoint = excluded.checkpoint, metadata = excluded.metadata`

	upsertWriteSQL = `INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		DO UPDATE SET channel = excluded.channel, type = excluded.type, blob = excluded.blob`

	insertWriteSQL = `INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		DO NOTHING`

	selectWritesSQL = `SELECT task_id, idx, channel, type, blob FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx`

	selectSendsSQL = `SELECT type, blob FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? AND channel = ?
		ORDER BY task_id, idx`
)

// Store is a SQLite-backed checkpoint.Saver.
//
// Concurrency comes from the driver's connection pool; the store holds no
// state between calls beyond the pool and a closed flag. Concurrent Puts
// for the same identity race at the row upsert and resolve last-commit-wins.
type Store struct {
	db         *sql.DB
	serializer serde.Serializer
	logger     *slog.Logger
	spans      observability.SpanManager
	metrics    observability.MetricsRecorder

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ checkpoint.Saver = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerializer replaces the default JSON serializer registry.
func WithSerializer(s serde.Serializer) Option {
	return func(st *Store) { st.serializer = s }
}

// WithLogger enables structured logging of store operations.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithSpanManager enables tracing of store operations.
func WithSpanManager(m observability.SpanManager) Option {
	return func(st *Store) { st.spans = m }
}

// WithMetrics enables metrics for store operations.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(st *Store) { st.metrics = m }
}

// Open creates a store backed by the SQLite database at path with default
// settings. Use ":memory:" for an in-process throwaway database. The schema
// is not created here; call Setup.
func Open(path string, opts ...Option) (*Store, error) {
	st := config.Default()
	st.Path = path
	return OpenSettings(st, opts...)
}

// OpenSettings creates a store from loaded settings.
func OpenSettings(st config.Settings, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", st.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL by default for better concurrent read performance, and give
	// writers a grace period instead of failing on a locked database.
	mode := st.JournalMode
	if mode == "" {
		mode = "WAL"
	}
	pragmas := []string{"PRAGMA journal_mode=" + mode}
	if st.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", st.BusyTimeout.Std().Milliseconds()))
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if st.MaxOpenConns > 0 {
		db.SetMaxOpenConns(st.MaxOpenConns)
	}
	if st.MaxIdleConns > 0 {
		db.SetMaxIdleConns(st.MaxIdleConns)
	}

	return NewStore(db, opts...), nil
}

// NewStore wraps an existing database handle. The handle must use a SQLite
// driver; the caller keeps ownership of pragmas and pool sizing.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		serializer: serde.NewRegistry(),
		spans:      observability.NoopSpanManager{},
		metrics:    observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.ErrStoreClosed
	}
	return nil
}

// beginOp starts the span and timer for one operation. The returned func
// must be called exactly once with the operation's final error.
func (s *Store) beginOp(ctx context.Context, op, threadID string) (context.Context, func(error)) {
	ctx, span := s.spans.StartOpSpan(ctx, op, threadID)
	start := time.Now()
	return ctx, func(err error) {
		s.spans.EndSpanWithError(span, err)
		s.metrics.RecordOp(ctx, op, time.Since(start), err)
		if err != nil {
			observability.LogOpError(s.logger, op, err)
		}
	}
}

// Get implements checkpoint.Saver. With a checkpoint ID it resolves that
// exact checkpoint; without one it resolves the lexically greatest ID for
// the thread. Returns (nil, nil) when no row matches.
func (s *Store) Get(ctx context.Context, cfg checkpoint.Config) (_ *checkpoint.Tuple, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.ThreadID == "" {
		return nil, &checkpoint.ConfigError{Field: "thread_id"}
	}

	ctx, done := s.beginOp(ctx, "get", cfg.ThreadID)
	defer func() { done(err) }()

	where, args, err := buildWhere(cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	q := `SELECT checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata FROM checkpoints ` + where
	if cfg.CheckpointID == "" {
		q += " ORDER BY checkpoint_id DESC"
	}
	q += " LIMIT 1"

	var (
		ns, id       string
		parent       sql.NullString
		body, mdBlob []byte
	)
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&ns, &id, &parent, &body, &mdBlob)
	if err == sql.ErrNoRows {
		err = nil
		return nil, nil
	}
	if err != nil {
		err = &checkpoint.StoreError{Op: "get", Err: err}
		return nil, err
	}

	return s.buildTuple(ctx, cfg.ThreadID, ns, id, parent.String, body, mdBlob)
}

// buildTuple reconstructs a full tuple from one checkpoints row: channel
// values from the blob table, pending writes from the writes table, and
// pending sends from the parent's writes on the reserved sends channel.
func (s *Store) buildTuple(ctx context.Context, threadID, ns, id, parent string, body, mdBlob []byte) (*checkpoint.Tuple, error) {
	ckpt, err := loadCheckpoint(body)
	if err != nil {
		return nil, err
	}
	md, err := loadMetadata(mdBlob)
	if err != nil {
		return nil, err
	}

	values, err := s.loadChannelValues(ctx, threadID, ns, ckpt.ChannelVersions)
	if err != nil {
		return nil, err
	}
	ckpt.ChannelValues = values

	writes, err := s.loadPendingWrites(ctx, threadID, ns, id)
	if err != nil {
		return nil, err
	}

	var parentCfg *checkpoint.Config
	if parent != "" {
		sends, err := s.loadPendingSends(ctx, threadID, ns, parent)
		if err != nil {
			return nil, err
		}
		ckpt.PendingSends = sends
		parentCfg = &checkpoint.Config{ThreadID: threadID, Namespace: ns, CheckpointID: parent}
	}

	return &checkpoint.Tuple{
		Config:        checkpoint.Config{ThreadID: threadID, Namespace: ns, CheckpointID: id},
		Checkpoint:    ckpt,
		Metadata:      md,
		ParentConfig:  parentCfg,
		PendingWrites: writes,
	}, nil
}

func (s *Store) loadChannelValues(ctx context.Context, threadID, ns string, versions map[string]string) (map[string]any, error) {
	if len(versions) == 0 {
		return map[string]any{}, nil
	}

	channels := sortedKeys(versions)
	pred, pargs := blobPredicate(channels, versions)
	q := `SELECT channel, version, type, blob FROM checkpoint_blobs WHERE thread_id = ? AND checkpoint_ns = ? AND (` + pred + `)`

	rows, err := s.db.QueryContext(ctx, q, append([]any{threadID, ns}, pargs...)...)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}
	defer rows.Close()

	var blobs []blobRow
	for rows.Next() {
		var b blobRow
		if err := rows.Scan(&b.channel, &b.version, &b.typeTag, &b.data); err != nil {
			return nil, &checkpoint.StoreError{Op: "get", Err: err}
		}
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}

	return loadBlobs(s.serializer, blobs)
}

func (s *Store) loadPendingWrites(ctx context.Context, threadID, ns, id string) ([]checkpoint.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWritesSQL, threadID, ns, id)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}
	defer rows.Close()

	var wrs []writeRow
	for rows.Next() {
		var w writeRow
		if err := rows.Scan(&w.taskID, &w.idx, &w.channel, &w.typeTag, &w.data); err != nil {
			return nil, &checkpoint.StoreError{Op: "get", Err: err}
		}
		wrs = append(wrs, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}

	return loadWrites(s.serializer, wrs)
}

func (s *Store) loadPendingSends(ctx context.Context, threadID, ns, parentID string) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, selectSendsSQL, threadID, ns, parentID, checkpoint.ChannelPendingSends)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}
	defer rows.Close()

	var sends []any
	for rows.Next() {
		var tag string
		var data []byte
		if err := rows.Scan(&tag, &data); err != nil {
			return nil, &checkpoint.StoreError{Op: "get", Err: err}
		}
		v, err := s.serializer.Load(tag, data)
		if err != nil {
			return nil, fmt.Errorf("load pending send: %w", err)
		}
		sends = append(sends, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}
	return sends, nil
}

// listRow is one head row scanned eagerly before tuples are built.
type listRow struct {
	threadID string
	ns       string
	id       string
	parent   string
	body     []byte
	md       []byte
}

// List implements checkpoint.Saver. The head query executes on first pull;
// tuple reconstruction happens lazily as the caller advances the sequence.
func (s *Store) List(ctx context.Context, cfg checkpoint.Config, filter *checkpoint.ListFilter) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(nil, err)
			return
		}

		var md map[string]any
		var before *checkpoint.Config
		limit := 0
		if filter != nil {
			md = filter.Metadata
			before = filter.Before
			limit = filter.Limit
		}

		ctx, done := s.beginOp(ctx, "list", cfg.ThreadID)
		var opErr error
		defer func() { done(opErr) }()

		where, args, err := buildWhere(cfg, md, before)
		if err != nil {
			opErr = err
			yield(nil, err)
			return
		}
		q := `SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata FROM checkpoints `
		if where != "" {
			q += where
		}
		q += " ORDER BY checkpoint_id DESC"
		if limit > 0 {
			q += " LIMIT ?"
			args = append(args, limit)
		}

		heads, err := s.scanListRows(ctx, q, args)
		if err != nil {
			opErr = err
			yield(nil, err)
			return
		}

		for _, h := range heads {
			tuple, err := s.buildTuple(ctx, h.threadID, h.ns, h.id, h.parent, h.body, h.md)
			if err != nil {
				opErr = err
				yield(nil, err)
				return
			}
			if !yield(tuple, nil) {
				return
			}
		}
	}
}

func (s *Store) scanListRows(ctx context.Context, q string, args []any) ([]listRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var heads []listRow
	for rows.Next() {
		var h listRow
		var parent sql.NullString
		if err := rows.Scan(&h.threadID, &h.ns, &h.id, &parent, &h.body, &h.md); err != nil {
			return nil, &checkpoint.StoreError{Op: "list", Err: err}
		}
		h.parent = parent.String
		heads = append(heads, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "list", Err: err}
	}
	return heads, nil
}

// Put implements checkpoint.Saver. Blob upserts and the checkpoint upsert
// share one transaction; any failure rolls the whole step back.
func (s *Store) Put(ctx context.Context, cfg checkpoint.Config, ckpt *checkpoint.Checkpoint, md checkpoint.Metadata, newVersions map[string]string) (_ checkpoint.Config, err error) {
	if err := s.checkOpen(); err != nil {
		return checkpoint.Config{}, err
	}
	if cfg.ThreadID == "" {
		return checkpoint.Config{}, &checkpoint.ConfigError{Field: "thread_id"}
	}

	ctx, done := s.beginOp(ctx, "put", cfg.ThreadID)
	defer func() { done(err) }()

	blobs, err := dumpBlobs(s.serializer, cfg.ThreadID, cfg.Namespace, ckpt.ChannelValues, newVersions)
	if err != nil {
		return checkpoint.Config{}, err
	}
	body, err := dumpCheckpoint(ckpt)
	if err != nil {
		return checkpoint.Config{}, err
	}
	mdRaw, err := dumpMetadata(md)
	if err != nil {
		return checkpoint.Config{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = &checkpoint.StoreError{Op: "put", Err: err}
		return checkpoint.Config{}, err
	}
	defer tx.Rollback()

	for _, b := range blobs {
		if _, err = tx.ExecContext(ctx, upsertBlobSQL, b.threadID, b.ns, b.channel, b.version, b.typeTag, b.data); err != nil {
			err = &checkpoint.StoreError{Op: "put", Err: err}
			return checkpoint.Config{}, err
		}
	}

	var parent any
	if cfg.CheckpointID != "" {
		parent = cfg.CheckpointID
	}
	if _, err = tx.ExecContext(ctx, upsertCheckpointSQL, cfg.ThreadID, cfg.Namespace, ckpt.ID, parent, body, string(mdRaw)); err != nil {
		err = &checkpoint.StoreError{Op: "put", Err: err}
		return checkpoint.Config{}, err
	}

	if err = tx.Commit(); err != nil {
		err = &checkpoint.StoreError{Op: "put", Err: err}
		return checkpoint.Config{}, err
	}

	s.metrics.RecordPayloadSize(ctx, "put", int64(len(body)))
	observability.LogPut(s.logger, cfg.ThreadID, cfg.Namespace, ckpt.ID, len(blobs))

	return checkpoint.Config{
		ThreadID:     cfg.ThreadID,
		Namespace:    cfg.Namespace,
		CheckpointID: ckpt.ID,
	}, nil
}

// PutWrites implements checkpoint.Saver. A batch targeting only reserved
// channels has stable indexes, so identical replays may safely overwrite;
// any other batch is inserted append-only so independent calls can never
// clobber each other's rows.
func (s *Store) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.ChannelWrite, taskID string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if cfg.ThreadID == "" {
		return &checkpoint.ConfigError{Field: "thread_id"}
	}
	if cfg.CheckpointID == "" {
		return &checkpoint.ConfigError{Field: "checkpoint_id"}
	}

	ctx, done := s.beginOp(ctx, "put_writes", cfg.ThreadID)
	defer func() { done(err) }()

	rows, err := dumpWrites(s.serializer, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, taskID, writes)
	if err != nil {
		return err
	}

	stmt := insertWriteSQL
	upsert := checkpoint.AllReserved(writes)
	if upsert {
		stmt = upsertWriteSQL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = &checkpoint.StoreError{Op: "put_writes", Err: err}
		return err
	}
	defer tx.Rollback()

	for _, w := range rows {
		if _, err = tx.ExecContext(ctx, stmt, w.threadID, w.ns, w.ckptID, w.taskID, w.idx, w.channel, w.typeTag, w.data); err != nil {
			err = &checkpoint.StoreError{Op: "put_writes", Err: err}
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		err = &checkpoint.StoreError{Op: "put_writes", Err: err}
		return err
	}

	observability.LogPutWrites(s.logger, cfg.ThreadID, cfg.CheckpointID, taskID, len(rows), upsert)
	return nil
}

// DeleteThread implements checkpoint.Saver. Administrative only: nothing in
// the checkpoint lifecycle deletes state.
func (s *Store) DeleteThread(ctx context.Context, threadID string) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if threadID == "" {
		return &checkpoint.ConfigError{Field: "thread_id"}
	}

	ctx, done := s.beginOp(ctx, "delete_thread", threadID)
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = &checkpoint.StoreError{Op: "delete_thread", Err: err}
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM checkpoints WHERE thread_id = ?`,
		`DELETE FROM checkpoint_blobs WHERE thread_id = ?`,
		`DELETE FROM checkpoint_writes WHERE thread_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, q, threadID); err != nil {
			err = &checkpoint.StoreError{Op: "delete_thread", Err: err}
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		err = &checkpoint.StoreError{Op: "delete_thread", Err: err}
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
