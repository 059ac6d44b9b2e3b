package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/observability"
)

// migrations is the ordered schema history. Entries are addressed purely by
// position and recorded one row each in checkpoint_migrations, so the list
// must only ever be appended to, never reordered or pruned. Each statement
// is idempotent on its own (IF NOT EXISTS) as a second line of defense.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS checkpoint_migrations (
		v INTEGER PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		checkpoint BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL,
		version TEXT NOT NULL,
		type TEXT NOT NULL,
		blob BLOB,
		PRIMARY KEY (thread_id, checkpoint_ns, channel, version)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		blob BLOB NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id
		ON checkpoints (thread_id)`,
}

// Setup brings the schema up to date. It is idempotent: each migration is
// applied exactly once, tracked by the checkpoint_migrations ledger, and
// all pending migrations apply inside a single transaction so a failure
// leaves the ledger at its last good state.
func (s *Store) Setup(ctx context.Context) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, done := s.beginOp(ctx, "setup", "")
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &checkpoint.MigrationError{Version: 0, Err: err}
	}
	defer tx.Rollback()

	version, err := appliedVersion(ctx, tx)
	if err != nil {
		return &checkpoint.MigrationError{Version: version, Err: err}
	}

	for v := version + 1; v < len(migrations); v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return &checkpoint.MigrationError{Version: v, Err: err}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint_migrations (v) VALUES (?)`, v); err != nil {
			return &checkpoint.MigrationError{Version: v, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &checkpoint.MigrationError{Version: len(migrations) - 1, Err: err}
	}

	observability.LogSetup(s.logger, version, len(migrations)-1)
	return nil
}

// appliedVersion returns the highest migration version in the ledger, or -1
// when the ledger table itself does not exist yet. Absence is detected with
// an explicit sqlite_master probe rather than by matching driver error text.
func appliedVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var name string
	err := tx.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'checkpoint_migrations'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("probe migrations ledger: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(v), -1) FROM checkpoint_migrations`,
	).Scan(&version)
	if err != nil {
		return -1, fmt.Errorf("read migrations ledger: %w", err)
	}
	return version, nil
}
