package engine

import "time"

// Journal/stats event kinds.
const (
	EventConnState      = "conn_state"
	EventBatchSent      = "batch_sent"
	EventBatchQueued    = "batch_queued"
	EventBatchDropped   = "batch_dropped"
	EventBatchConfirmed = "batch_confirmed"
	EventDeltaApplied   = "delta_applied"
	EventFullState      = "full_state"
	EventRejected       = "rejected"
	EventActionSent     = "action_sent"
	EventActionQueued   = "action_queued"
	EventSyncRequested  = "sync_requested"
)

// Event is one line in the session journal. Also consumed by the stats
// index for per-session rollups.
type Event struct {
	Time        time.Time `json:"ts"`
	Kind        string    `json:"kind"`
	ConnState   string    `json:"conn_state,omitempty"`
	Count       int       `json:"count,omitempty"`
	ClientSeq   uint64    `json:"client_seq,omitempty"`
	ClientSeqs  []uint64  `json:"client_seqs,omitempty"`
	Gain        float64   `json:"gain,omitempty"`
	Essence     float64   `json:"essence,omitempty"`
	Outstanding float64   `json:"outstanding,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// EventSink receives engine events. Sinks must not block; slow sinks do
// their own buffering.
type EventSink interface {
	WriteEvent(Event) error
}

// ClickResult is the fire-and-forget summary published per tap for
// rendering, audio, and haptics.
type ClickResult struct {
	ClientSeq uint64
	Gain      float64
	Crit      bool
	Golden    bool
	Combo     float64
}

// StatDelta is the post-reconciliation notification for the achievement
// tracker.
type StatDelta struct {
	TotalClicks        uint64
	ComboPeak          float64
	CritStreak         int
	Essence            float64
	LifetimeEssence    float64
	OutstandingEssence float64
}
