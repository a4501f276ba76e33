package stream

// DefaultReplayCapacity is the per-stream replay ring size.
const DefaultReplayCapacity = 100

// replayEntry is one retained payload.
type replayEntry struct {
	Sequence uint64
	Payload  []byte
}

// ReplayBuffer is a bounded ring of the most recent payloads of one server
// side stream, retained so a resuming client can be caught up without
// restarting the producer.
type ReplayBuffer struct {
	entries []replayEntry
	start   int
	count   int
}

// NewReplayBuffer creates a ring with the given capacity. Non-positive
// capacities fall back to the default.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}

	return &ReplayBuffer{
		entries: make([]replayEntry, capacity),
	}
}

// Append retains one payload, evicting the oldest when full.
func (b *ReplayBuffer) Append(seq uint64, payload []byte) {
	idx := (b.start + b.count) % len(b.entries)
	b.entries[idx] = replayEntry{Sequence: seq, Payload: payload}

	if b.count < len(b.entries) {
		b.count++
		return
	}

	b.start = (b.start + 1) % len(b.entries)
}

// Since returns, in order, all retained entries with sequence > lastSeq. The
// ok flag is false when the ring has already evicted entries the caller would
// need, meaning a replay cannot restore contiguity.
func (b *ReplayBuffer) Since(lastSeq uint64) ([]replayEntry, bool) {
	if b.count == 0 {
		// An empty ring can only satisfy a caller that is already
		// fully caught up with an empty stream.
		return nil, lastSeq == 0
	}

	oldest := b.entries[b.start].Sequence
	if oldest > lastSeq+1 {
		return nil, false
	}

	var out []replayEntry
	for i := 0; i < b.count; i++ {
		e := b.entries[(b.start+i)%len(b.entries)]
		if e.Sequence > lastSeq {
			out = append(out, e)
		}
	}

	return out, true
}

// Len reports the number of retained entries.
func (b *ReplayBuffer) Len() int {
	return b.count
}
