package engine

import "errors"

// ErrQueueFull is reported to the caller when the offline action queue is
// at capacity. Whether to surface or drop is the caller's policy.
var ErrQueueFull = errors.New("action queue full")

type queueKind int

const (
	queuedTapBatch queueKind = iota
	queuedAction
)

type queueEntry struct {
	kind      queueKind
	clientSeq uint64
	msg       any // wire message to replay
}

// actionQueue buffers intents issued while disconnected. Bounded: new
// entries are rejected once full, old ones are never silently dropped.
type actionQueue struct {
	capacity int
	entries  []queueEntry
}

func newActionQueue(capacity int) *actionQueue {
	return &actionQueue{capacity: capacity}
}

func (q *actionQueue) enqueue(e queueEntry) error {
	if len(q.entries) >= q.capacity {
		return ErrQueueFull
	}
	q.entries = append(q.entries, e)
	return nil
}

// drainNonTap returns every non-tap entry in original order and empties
// the queue. Offline tap batches are discarded here: the server derives
// missed production from elapsed time, so replaying them would double-count.
func (q *actionQueue) drainNonTap() []queueEntry {
	out := make([]queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.kind != queuedTapBatch {
			out = append(out, e)
		}
	}
	q.entries = nil
	return out
}

func (q *actionQueue) len() int { return len(q.entries) }
