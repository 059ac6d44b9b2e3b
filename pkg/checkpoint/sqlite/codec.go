package sqlite

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/randalmurphal/checkpoint/pkg/checkpoint"
	"github.com/randalmurphal/checkpoint/pkg/checkpoint/serde"
)

// Row codec: pure translation between domain objects and the flat tuples
// persisted in the checkpoints, checkpoint_blobs, and checkpoint_writes
// tables. Nothing in this file touches the database.

// blobRow is one row of checkpoint_blobs.
type blobRow struct {
	threadID string
	ns       string
	channel  string
	version  string
	typeTag  string
	data     []byte
}

// writeRow is one row of checkpoint_writes.
type writeRow struct {
	threadID string
	ns       string
	ckptID   string
	taskID   string
	idx      int
	channel  string
	typeTag  string
	data     []byte
}

// dumpBlobs emits one blob row per entry in versions, the source of truth
// for which channels changed this step. A channel with a version bump but
// no value in values gets the empty sentinel instead of an encoding.
// Rows are emitted in sorted channel order so output is deterministic.
func dumpBlobs(ser serde.Serializer, threadID, ns string, values map[string]any, versions map[string]string) ([]blobRow, error) {
	if len(versions) == 0 {
		return nil, nil
	}

	channels := make([]string, 0, len(versions))
	for ch := range versions {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	rows := make([]blobRow, 0, len(channels))
	for _, ch := range channels {
		row := blobRow{
			threadID: threadID,
			ns:       ns,
			channel:  ch,
			version:  versions[ch],
			typeTag:  serde.TagEmpty,
		}
		if v, ok := values[ch]; ok {
			tag, data, err := ser.Dump(v)
			if err != nil {
				return nil, fmt.Errorf("dump channel %q: %w", ch, err)
			}
			row.typeTag = tag
			row.data = data
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// loadBlobs reconstructs a channel-value mapping from blob rows, omitting
// channels stored under the empty sentinel. An empty row set yields an
// empty mapping.
func loadBlobs(ser serde.Serializer, rows []blobRow) (map[string]any, error) {
	values := make(map[string]any, len(rows))
	for _, row := range rows {
		if row.typeTag == serde.TagEmpty {
			continue
		}
		v, err := ser.Load(row.typeTag, row.data)
		if err != nil {
			return nil, fmt.Errorf("load channel %q: %w", row.channel, err)
		}
		values[row.channel] = v
	}
	return values, nil
}

// dumpCheckpoint serializes a checkpoint body for the checkpoint column.
// Channel values and pending sends are zeroed out first: values live in the
// blob table and sends in the writes table, and storing them inline too
// would double them up.
func dumpCheckpoint(ckpt *checkpoint.Checkpoint) ([]byte, error) {
	body := *ckpt
	body.ChannelValues = nil
	body.PendingSends = nil
	data, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("dump checkpoint: %w", err)
	}
	return data, nil
}

// loadCheckpoint is the inverse of dumpCheckpoint. The caller fills in
// ChannelValues and PendingSends from their own tables.
func loadCheckpoint(data []byte) (*checkpoint.Checkpoint, error) {
	var ckpt checkpoint.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &ckpt, nil
}

// dumpMetadata serializes metadata for the JSON text column. Bytes are
// stored as encoding/json produces them; SQLite's JSON1 functions accept
// the escaped form of any character, so no stripping is needed.
func dumpMetadata(md checkpoint.Metadata) ([]byte, error) {
	if md == nil {
		md = checkpoint.Metadata{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("dump metadata: %w", err)
	}
	return data, nil
}

// loadMetadata is the inverse of dumpMetadata.
func loadMetadata(data []byte) (checkpoint.Metadata, error) {
	md := checkpoint.Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return md, nil
}

// dumpWrites emits one row per write. Reserved channels take their fixed
// index from the protocol table; everything else uses its position within
// the batch.
func dumpWrites(ser serde.Serializer, threadID, ns, ckptID, taskID string, writes []checkpoint.ChannelWrite) ([]writeRow, error) {
	rows := make([]writeRow, 0, len(writes))
	for pos, w := range writes {
		tag, data, err := ser.Dump(w.Value)
		if err != nil {
			return nil, fmt.Errorf("dump write %q: %w", w.Channel, err)
		}
		rows = append(rows, writeRow{
			threadID: threadID,
			ns:       ns,
			ckptID:   ckptID,
			taskID:   taskID,
			idx:      checkpoint.WriteIndex(w.Channel, pos),
			channel:  w.Channel,
			typeTag:  tag,
			data:     data,
		})
	}
	return rows, nil
}

// loadWrites reconstructs ordered pending writes from write rows. Rows are
// expected in (task_id, idx) order as the writes query returns them.
func loadWrites(ser serde.Serializer, rows []writeRow) ([]checkpoint.PendingWrite, error) {
	writes := make([]checkpoint.PendingWrite, 0, len(rows))
	for _, row := range rows {
		v, err := ser.Load(row.typeTag, row.data)
		if err != nil {
			return nil, fmt.Errorf("load write %q: %w", row.channel, err)
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  row.taskID,
			Channel: row.channel,
			Value:   v,
		})
	}
	return writes, nil
}
