package checkpoint

// Reserved channel names. Their membership and indexes are a protocol-level
// contract shared with the execution engine; do not treat as configuration.
const (
	// ChannelStart carries the input that seeded the run.
	ChannelStart = "__start__"

	// ChannelPendingSends queues messages for delivery at the next step.
	// Get reconstructs a checkpoint's PendingSends from its parent's
	// writes on this channel.
	ChannelPendingSends = "__pending_sends__"

	// ChannelError records a task failure.
	ChannelError = "__error__"

	// ChannelInterrupt records an interrupt raised during a step.
	ChannelInterrupt = "__interrupt__"

	// ChannelResume carries values a resumed run should observe.
	ChannelResume = "__resume__"
)

// reservedWriteIdx maps reserved channels to their fixed write index.
var reservedWriteIdx = map[string]int{
	ChannelStart:        0,
	ChannelPendingSends: -1,
	ChannelError:        -2,
	ChannelInterrupt:    -3,
	ChannelResume:       -4,
}

// WriteIndex returns the ordering slot for a write: the fixed index for a
// reserved channel, else the write's position within its batch.
func WriteIndex(channel string, pos int) int {
	if idx, ok := reservedWriteIdx[channel]; ok {
		return idx
	}
	return pos
}

// IsReserved reports whether channel is one of the reserved names.
func IsReserved(channel string) bool {
	_, ok := reservedWriteIdx[channel]
	return ok
}

// AllReserved reports whether every write in the batch targets a reserved
// channel. Such batches have stable indexes and may be safely upserted;
// anything else must be stored append-only.
func AllReserved(writes []ChannelWrite) bool {
	for _, w := range writes {
		if !IsReserved(w.Channel) {
			return false
		}
	}
	return true
}
