package engine

import (
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"sync"
	"testing"

	"essencetap.gg/internal/config"
	"essencetap.gg/internal/netclient"
	"essencetap.gg/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	st      netclient.State
	sent    []any
	sendErr error
	states  chan netclient.State
	inbound chan []byte
}

func newFakeTransport(st netclient.State) *fakeTransport {
	return &fakeTransport{
		st:      st,
		states:  make(chan netclient.State, 16),
		inbound: make(chan []byte, 16),
	}
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) State() netclient.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeTransport) setState(st netclient.State) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func (f *fakeTransport) States() <-chan netclient.State { return f.states }
func (f *fakeTransport) Inbound() <-chan []byte         { return f.inbound }

func (f *fakeTransport) sentMsgs() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func testEngine(t *testing.T, tr Transport, tweak func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.GoldenPct = 0
	if tweak != nil {
		tweak(&cfg)
	}
	return New(cfg, tr, Options{
		Logger: log.New(io.Discard, "", 0),
		Rand:   rand.New(rand.NewSource(1)),
	})
}

func fullState(t *testing.T, st protocol.GameState, seq uint64) []byte {
	t.Helper()
	b, err := json.Marshal(protocol.FullStateMsg{
		Type:            protocol.TypeFullState,
		ProtocolVersion: protocol.Version,
		State:           st,
		Sequence:        seq,
		ServerTimestamp: 1724500000000,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func baseState(essence, clickPower float64) protocol.GameState {
	return protocol.GameState{
		Essence:         essence,
		LifetimeEssence: essence,
		ClickPower:      clickPower,
		CritMultiplier:  1,
	}
}

func tap(e *Engine) response {
	return e.applyTap(request{kind: reqTap, weight: 1, combo: 1})
}

func TestConservationUnderConfirmation(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 1), 1))

	var seqs []uint64
	for i := 0; i < 10; i++ {
		seqs = append(seqs, tap(e).seq)
	}
	if e.snap.Essence != 110 {
		t.Fatalf("optimistic essence: got %v want 110", e.snap.Essence)
	}
	if e.opt.outstandingEssence != 10 {
		t.Fatalf("outstanding: got %v want 10", e.opt.outstandingEssence)
	}

	e.applyBatchConfirmed(protocol.BatchConfirmedMsg{
		Type: protocol.TypeBatchConfirmed, ProtocolVersion: protocol.Version,
		Essence: 110, LifetimeEssence: 110, TotalClicks: 10,
		ConfirmedClientSeqs: seqs, Sequence: 2,
	})
	if e.snap.Essence != 110 {
		t.Fatalf("confirmed essence: got %v want exactly 110", e.snap.Essence)
	}
	if e.opt.outstandingEssence != 0 || e.opt.size() != 0 {
		t.Fatalf("outstanding after full confirmation: %v (%d live)", e.opt.outstandingEssence, e.opt.size())
	}
	if e.opt.sumGains() != e.opt.outstandingEssence {
		t.Fatalf("counter drift: sum=%v counter=%v", e.opt.sumGains(), e.opt.outstandingEssence)
	}
}

func TestRollbackExactness(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 20), 1))

	resp := tap(e)
	if resp.result.Gain != 20 || e.snap.Essence != 120 {
		t.Fatalf("optimistic apply: gain=%v essence=%v", resp.result.Gain, e.snap.Essence)
	}

	e.applyRejection(protocol.ActionRejectedMsg{
		Type: protocol.TypeActionRejected, ProtocolVersion: protocol.Version,
		ClientSeq: resp.seq, Reason: protocol.ErrRateLimit,
	})
	if e.snap.Essence != 100 {
		t.Fatalf("rollback: got %v want exactly 100", e.snap.Essence)
	}
	if e.opt.size() != 0 {
		t.Fatalf("entry should be removed after rejection")
	}
	if e.stats.Rejections != 1 {
		t.Fatalf("rejections: got %d", e.stats.Rejections)
	}
}

func TestRejectionWithCorrectStateTakesPrecedence(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 20), 1))

	resp := tap(e)
	corrected := 95.0
	e.applyRejection(protocol.ActionRejectedMsg{
		Type: protocol.TypeActionRejected, ProtocolVersion: protocol.Version,
		ClientSeq: resp.seq, Reason: protocol.ErrStaleSeq,
		CorrectState: &protocol.StatePatch{Essence: &corrected},
	})
	if e.snap.Essence != 95 {
		t.Fatalf("correction should override rollback: got %v", e.snap.Essence)
	}
}

func TestRejectionForUnknownSeqIsNoop(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 1), 1))

	e.applyRejection(protocol.ActionRejectedMsg{
		Type: protocol.TypeActionRejected, ProtocolVersion: protocol.Version,
		ClientSeq: 999, Reason: protocol.ErrInternal,
	})
	if e.snap.Essence != 100 {
		t.Fatalf("snapshot must be untouched: got %v", e.snap.Essence)
	}
}

func TestIdempotentDuplicateConfirmation(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 1), 1))

	first := tap(e).seq
	second := tap(e).seq

	confirm := protocol.BatchConfirmedMsg{
		Type: protocol.TypeBatchConfirmed, ProtocolVersion: protocol.Version,
		Essence: 101, LifetimeEssence: 101, TotalClicks: 1,
		ConfirmedClientSeqs: []uint64{first}, Sequence: 2,
	}
	e.applyBatchConfirmed(confirm)
	if e.opt.outstandingEssence != 1 {
		t.Fatalf("outstanding after first confirm: got %v want 1", e.opt.outstandingEssence)
	}

	// Same confirmation again: entry already removed, must not double-subtract.
	e.applyBatchConfirmed(confirm)
	if e.opt.outstandingEssence != 1 {
		t.Fatalf("outstanding after duplicate: got %v want 1", e.opt.outstandingEssence)
	}
	if e.snap.Essence != 102 {
		t.Fatalf("essence: got %v want 102 (server 101 + 1 outstanding)", e.snap.Essence)
	}

	e.applyBatchConfirmed(protocol.BatchConfirmedMsg{
		Type: protocol.TypeBatchConfirmed, ProtocolVersion: protocol.Version,
		Essence: 102, LifetimeEssence: 102, TotalClicks: 2,
		ConfirmedClientSeqs: []uint64{second}, Sequence: 3,
	})
	if e.snap.Essence != 102 || e.opt.outstandingEssence != 0 {
		t.Fatalf("final: essence=%v outstanding=%v", e.snap.Essence, e.opt.outstandingEssence)
	}
}

func TestOutOfOrderConfirmations(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(0, 1), 1))

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seqs = append(seqs, tap(e).seq)
	}

	// Confirm 5 before 4; each entry is independently keyed.
	e.applyBatchConfirmed(protocol.BatchConfirmedMsg{
		Type: protocol.TypeBatchConfirmed, ProtocolVersion: protocol.Version,
		Essence: 3, LifetimeEssence: 3, TotalClicks: 3,
		ConfirmedClientSeqs: []uint64{seqs[0], seqs[1], seqs[4]}, Sequence: 2,
	})
	if e.opt.outstandingEssence != 2 {
		t.Fatalf("outstanding: got %v want 2", e.opt.outstandingEssence)
	}
	e.applyBatchConfirmed(protocol.BatchConfirmedMsg{
		Type: protocol.TypeBatchConfirmed, ProtocolVersion: protocol.Version,
		Essence: 5, LifetimeEssence: 5, TotalClicks: 5,
		ConfirmedClientSeqs: []uint64{seqs[2], seqs[3]}, Sequence: 3,
	})
	if e.snap.Essence != 5 || e.opt.outstandingEssence != 0 {
		t.Fatalf("final: essence=%v outstanding=%v", e.snap.Essence, e.opt.outstandingEssence)
	}
	if e.opt.sumGains() != 0 {
		t.Fatalf("counter drift: %v", e.opt.sumGains())
	}
}

func TestDeltaAppliesSparsePatch(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, protocol.GameState{
		Essence: 50, LifetimeEssence: 500, TotalClicks: 40,
		ClickPower: 2, CritMultiplier: 3, CritChance: 0.1,
		Generators: map[string]int{"sprite": 2},
	}, 1))

	pps := 12.5
	b, _ := json.Marshal(protocol.DeltaStateMsg{
		Type: protocol.TypeDeltaState, ProtocolVersion: protocol.Version,
		Patch:    protocol.StatePatch{ProductionPerSecond: &pps, Generators: map[string]int{"golem": 1}},
		Sequence: 2,
	})
	e.handleInbound(b)

	if e.snap.ProductionPerSecond != 12.5 {
		t.Fatalf("pps: got %v", e.snap.ProductionPerSecond)
	}
	if e.snap.Essence != 50 || e.snap.ClickPower != 2 {
		t.Fatalf("untouched fields changed: essence=%v clickPower=%v", e.snap.Essence, e.snap.ClickPower)
	}
	if e.snap.Generators["sprite"] != 2 || e.snap.Generators["golem"] != 1 {
		t.Fatalf("generator merge: %v", e.snap.Generators)
	}
	if e.snap.Sequence != 2 {
		t.Fatalf("sequence horizon: got %d", e.snap.Sequence)
	}
}

func TestDeltaConfirmsSingleSeq(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(100, 1), 1))

	seq := tap(e).seq
	essence := 101.0
	b, _ := json.Marshal(protocol.DeltaStateMsg{
		Type: protocol.TypeDeltaState, ProtocolVersion: protocol.Version,
		Patch:              protocol.StatePatch{Essence: &essence},
		ConfirmedClientSeq: &seq,
		Sequence:           2,
	})
	e.handleInbound(b)

	if e.opt.size() != 0 {
		t.Fatalf("seq should be settled")
	}
	if e.confirmedSeq != seq {
		t.Fatalf("confirmedSeq: got %d want %d", e.confirmedSeq, seq)
	}
}

func TestReconnectClearsPrediction(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, func(c *config.Config) { c.Batch.MaxSize = 50 })
	e.handleConnState(netclient.Connected)
	e.handleInbound(fullState(t, baseState(100, 2), 1))

	for i := 0; i < 3; i++ {
		tap(e)
	}
	if e.snap.Essence != 106 || e.opt.size() != 3 {
		t.Fatalf("setup: essence=%v live=%d", e.snap.Essence, e.opt.size())
	}

	tr.setState(netclient.Reconnecting)
	e.handleConnState(netclient.Reconnecting)
	tr.setState(netclient.Connected)
	e.handleConnState(netclient.Connected)

	// Map must already be empty before the fresh full state lands.
	if e.opt.size() != 0 {
		t.Fatalf("optimistic map not cleared on reconnect: %d live", e.opt.size())
	}

	// Server never saw the taps.
	e.handleInbound(fullState(t, baseState(100, 2), 2))
	if e.snap.Essence != 100 {
		t.Fatalf("final essence: got %v want 100", e.snap.Essence)
	}
	if e.stats.Reconnects != 1 {
		t.Fatalf("reconnects: got %d", e.stats.Reconnects)
	}
}

func TestEssenceNeverNegativeAfterReconciliation(t *testing.T) {
	tr := newFakeTransport(netclient.Connected)
	e := testEngine(t, tr, nil)
	e.handleInbound(fullState(t, baseState(5, 1), 1))

	neg := -10.0
	b, _ := json.Marshal(protocol.DeltaStateMsg{
		Type: protocol.TypeDeltaState, ProtocolVersion: protocol.Version,
		Patch:    protocol.StatePatch{Essence: &neg},
		Sequence: 2,
	})
	e.handleInbound(b)
	if e.snap.Essence != 0 {
		t.Fatalf("essence clamp: got %v", e.snap.Essence)
	}
}
