package engine

import (
	"encoding/json"
	"time"

	"essencetap.gg/internal/protocol"
)

// handleInbound routes one wire message. Confirmations and rejections are
// processed in arrival order, not client-sequence order; every entry in
// the optimistic map is independently keyed and independently removed, so
// out-of-order and duplicate confirmations cannot corrupt the counter.
func (e *Engine) handleInbound(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		e.log.Printf("drop unparseable message: %v", err)
		return
	}
	switch base.Type {
	case protocol.TypeFullState:
		var m protocol.FullStateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			e.log.Printf("drop bad FULL_STATE: %v", err)
			return
		}
		e.applyFullState(m)
	case protocol.TypeDeltaState:
		var m protocol.DeltaStateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			e.log.Printf("drop bad DELTA_STATE: %v", err)
			return
		}
		e.applyDelta(m)
	case protocol.TypeBatchConfirmed:
		var m protocol.BatchConfirmedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			e.log.Printf("drop bad BATCH_CONFIRMED: %v", err)
			return
		}
		e.applyBatchConfirmed(m)
	case protocol.TypeActionRejected:
		var m protocol.ActionRejectedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			e.log.Printf("drop bad ACTION_REJECTED: %v", err)
			return
		}
		e.applyRejection(m)
	default:
		// Unknown types are ignored so the server can grow the protocol.
	}
}

// applyFullState replaces the snapshot unconditionally. Server state is
// absolute truth at this horizon: all local prediction is discarded, even
// prediction the server may in fact have applied before a drop.
func (e *Engine) applyFullState(m protocol.FullStateMsg) {
	cleared := e.opt.clear()
	e.snap = snapshotFromWire(m.State, m.Sequence, m.ServerTimestamp)
	if e.nextSeq > 1 && e.nextSeq-1 > e.confirmedSeq {
		e.confirmedSeq = e.nextSeq - 1
	}
	e.emit(Event{
		Time:    time.Now(),
		Kind:    EventFullState,
		Count:   cleared,
		Essence: e.snap.Essence,
	})
	e.publishDelta()
}

// applyDelta merges a sparse patch and settles at most one client seq.
func (e *Engine) applyDelta(m protocol.DeltaStateMsg) {
	e.snap.applyPatch(m.Patch)
	if m.Sequence > e.snap.Sequence {
		e.snap.Sequence = m.Sequence
	}
	var confirmed uint64
	if m.ConfirmedClientSeq != nil {
		confirmed = *m.ConfirmedClientSeq
		e.opt.settle(confirmed)
		if confirmed > e.confirmedSeq {
			e.confirmedSeq = confirmed
		}
	}
	e.emit(Event{
		Time:        time.Now(),
		Kind:        EventDeltaApplied,
		ClientSeq:   confirmed,
		Essence:     e.snap.Essence,
		Outstanding: e.opt.outstandingEssence,
	})
	e.publishDelta()
}

// applyBatchConfirmed settles tap batches: the payload's totals become
// authoritative, and whatever remains unconfirmed is re-added on top so
// the displayed value keeps reflecting local prediction.
func (e *Engine) applyBatchConfirmed(m protocol.BatchConfirmedMsg) {
	for _, seq := range m.ConfirmedClientSeqs {
		e.opt.settle(seq)
		if seq > e.confirmedSeq {
			e.confirmedSeq = seq
		}
	}
	e.snap.Essence = m.Essence + e.opt.outstandingEssence
	e.snap.LifetimeEssence = m.LifetimeEssence + e.opt.outstandingLifetime
	e.snap.TotalClicks = m.TotalClicks + e.opt.outstandingClicks
	if m.Sequence > e.snap.Sequence {
		e.snap.Sequence = m.Sequence
	}
	e.snap.clampNonNegative()
	e.emit(Event{
		Time:        time.Now(),
		Kind:        EventBatchConfirmed,
		Count:       len(m.ConfirmedClientSeqs),
		ClientSeqs:  m.ConfirmedClientSeqs,
		Essence:     e.snap.Essence,
		Outstanding: e.opt.outstandingEssence,
	})
	e.publishDelta()
}

// applyRejection rolls back exactly one optimistic application: the fields
// captured at apply time are restored bit-for-bit. A server-supplied
// correction, when present, is applied afterward and takes precedence.
func (e *Engine) applyRejection(m protocol.ActionRejectedMsg) {
	if !protocol.IsKnownCode(m.Reason) {
		e.log.Printf("rejection with unknown reason %q (seq=%d)", m.Reason, m.ClientSeq)
	}
	if u, ok := e.opt.settle(m.ClientSeq); ok {
		e.rollback(u)
		e.stats.Rejections++
	}
	if m.CorrectState != nil {
		e.snap.applyPatch(*m.CorrectState)
	}
	if m.ClientSeq > e.confirmedSeq {
		e.confirmedSeq = m.ClientSeq
	}
	e.emit(Event{
		Time:        time.Now(),
		Kind:        EventRejected,
		ClientSeq:   m.ClientSeq,
		Reason:      m.Reason,
		Essence:     e.snap.Essence,
		Outstanding: e.opt.outstandingEssence,
	})
	e.publishDelta()
}

func (e *Engine) rollback(u *OptimisticUpdate) {
	e.snap.Essence = u.Before.Essence
	e.snap.LifetimeEssence = u.Before.LifetimeEssence
	e.snap.TotalClicks = u.Before.TotalClicks
	if u.Before.GeneratorID != "" {
		e.snap.Generators[u.Before.GeneratorID] = u.Before.GeneratorCount
	}
	if u.Before.UpgradeID != "" {
		delete(e.snap.Upgrades, u.Before.UpgradeID)
	}
	e.snap.clampNonNegative()
}
