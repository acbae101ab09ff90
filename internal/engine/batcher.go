package engine

import (
	"time"

	"essencetap.gg/internal/protocol"
)

// pendingBatch accumulates taps between flushes. It exists only inside the
// engine loop; reset clears it atomically with respect to loop events.
type pendingBatch struct {
	count      int
	maxCombo   float64
	clientSeqs []uint64
	openedAt   time.Time
}

func (b *pendingBatch) add(seq uint64, combo float64, now time.Time) {
	if b.count == 0 {
		b.openedAt = now
	}
	b.count++
	if combo > b.maxCombo {
		b.maxCombo = combo
	}
	b.clientSeqs = append(b.clientSeqs, seq)
}

func (b *pendingBatch) empty() bool { return b.count == 0 }

func (b *pendingBatch) reset() {
	b.count = 0
	b.maxCombo = 0
	b.clientSeqs = nil
	b.openedAt = time.Time{}
}

func (b *pendingBatch) toMsg() protocol.TapBatchMsg {
	seqs := make([]uint64, len(b.clientSeqs))
	copy(seqs, b.clientSeqs)
	combo := b.maxCombo
	if combo < 1 {
		combo = 1
	}
	return protocol.TapBatchMsg{
		Type:            protocol.TypeTapBatch,
		ProtocolVersion: protocol.Version,
		Count:           b.count,
		ComboMultiplier: combo,
		ClientSeqs:      seqs,
	}
}
