package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
)

// buildWhere composes the predicate for checkpoint scans. Clauses are
// appended in a fixed order so argument positions stay stable: thread,
// namespace, checkpoint ID, metadata containment, before cursor. No
// filters at all yields an empty predicate; callers add their own
// ORDER BY / LIMIT.
//
// An empty cfg.Namespace places no namespace constraint, so a thread-only
// identity scans the whole thread across namespaces.
func buildWhere(cfg checkpoint.Config, metadata map[string]any, before *checkpoint.Config) (string, []any, error) {
	var clauses []string
	var args []any

	if cfg.ThreadID != "" {
		clauses = append(clauses, "thread_id = ?")
		args = append(args, cfg.ThreadID)
	}
	if cfg.Namespace != "" {
		clauses = append(clauses, "checkpoint_ns = ?")
		args = append(args, cfg.Namespace)
	}
	if cfg.CheckpointID != "" {
		clauses = append(clauses, "checkpoint_id = ?")
		args = append(args, cfg.CheckpointID)
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", nil, fmt.Errorf("marshal metadata filter: %w", err)
		}
		// Containment: every key in the filter must be present in the
		// stored metadata with the same value. The filter travels as a
		// single JSON argument, unpacked by json_each.
		clauses = append(clauses,
			`NOT EXISTS (SELECT 1 FROM json_each(?) AS f WHERE json_extract(checkpoints.metadata, '$."' || f.key || '"') IS NOT f.value)`)
		args = append(args, string(raw))
	}
	if before != nil && before.CheckpointID != "" {
		clauses = append(clauses, "checkpoint_id < ?")
		args = append(args, before.CheckpointID)
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// blobPredicate builds the disjunction selecting exactly the (channel,
// version) pairs named by a checkpoint's version map. Channels are passed
// in sorted order for stable argument numbering.
func blobPredicate(channels []string, versions map[string]string) (string, []any) {
	pairs := make([]string, 0, len(channels))
	args := make([]any, 0, len(channels)*2)
	for _, ch := range channels {
		pairs = append(pairs, "(channel = ? AND version = ?)")
		args = append(args, ch, versions[ch])
	}
	return strings.Join(pairs, " OR "), args
}
