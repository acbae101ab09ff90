package engine

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"essencetap.gg/internal/config"
	"essencetap.gg/internal/netclient"
	"essencetap.gg/internal/protocol"
)

var ErrEngineClosed = errors.New("engine closed")

const goldenMultiplier = 5.0

// Transport is the connection the engine talks through. Satisfied by
// *netclient.Manager; tests substitute a fake.
type Transport interface {
	Send(v any) error
	State() netclient.State
	States() <-chan netclient.State
	Inbound() <-chan []byte
}

type Options struct {
	Logger  *log.Logger
	Rand    *rand.Rand
	Catalog Catalog
	Sinks   []EventSink
}

// Stats is a point-in-time summary of the engine's bookkeeping.
type Stats struct {
	NextSeq            uint64
	ConfirmedSeq       uint64
	OutstandingEssence float64
	OutstandingUpdates int
	PendingBatchSize   int
	QueuedEntries      int
	TapsSent           uint64
	BatchesSent        uint64
	Rejections         uint64
	Reconnects         uint64
	ComboPeak          float64
	CritStreak         int
}

// Engine owns the game snapshot, the optimistic map, the tap batcher, and
// the offline action queue. All of that state is mutated by exactly one
// goroutine, the Run loop; public methods hand intents to the loop and
// wait for its answer. No locks guard the owned state.
type Engine struct {
	cfg config.Config
	tr  Transport
	log *log.Logger
	rng *rand.Rand
	cat Catalog

	snap  GameSnapshot
	opt   *optimisticStore
	batch pendingBatch
	queue *actionQueue

	nextSeq      uint64
	confirmedSeq uint64

	everConnected bool
	hadDrop       bool

	comboPeak  float64
	critStreak int
	combo      float64
	lastTapAt  time.Time

	stats Stats

	flushTimer  *time.Timer
	settleTimer *time.Timer

	reqs    chan request
	results chan ClickResult
	deltas  chan StatDelta
	sinks   []EventSink
	done    chan struct{}
}

type reqKind int

const (
	reqTap reqKind = iota + 1
	reqAction
	reqSnapshot
	reqStats
	reqShutdown
)

type request struct {
	kind reqKind

	weight float64
	combo  float64

	action      string
	generatorID string
	upgradeID   string

	resp chan response
}

type response struct {
	seq    uint64
	result ClickResult
	snap   GameSnapshot
	stats  Stats
	err    error
}

func New(cfg config.Config, tr Transport, opts Options) *Engine {
	cfg.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[engine] ", log.LstdFlags|log.Lmicroseconds)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cat := opts.Catalog
	if cat.Generators == nil && cat.Upgrades == nil {
		cat = DefaultCatalog()
	}
	e := &Engine{
		cfg:     cfg,
		tr:      tr,
		log:     logger,
		rng:     rng,
		cat:     cat,
		snap:    newSnapshot(),
		opt:     newOptimisticStore(),
		queue:   newActionQueue(cfg.Queue.Capacity),
		nextSeq: 1,
		combo:   1,
		reqs:    make(chan request),
		results: make(chan ClickResult, 64),
		deltas:  make(chan StatDelta, 64),
		sinks:   opts.Sinks,
		done:    make(chan struct{}),
	}
	e.flushTimer = newStoppedTimer()
	e.settleTimer = newStoppedTimer()
	return e
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// Results delivers the per-tap click summaries. Fire and forget: the
// engine drops results nobody is reading.
func (e *Engine) Results() <-chan ClickResult { return e.results }

// StatDeltas delivers post-reconciliation stat notifications.
func (e *Engine) StatDeltas() <-chan StatDelta { return e.deltas }

// Run processes intents, inbound wire messages, connection transitions,
// and the flush timer until ctx is cancelled or Shutdown is called. On
// exit it performs the unload flush: a final synchronous delivery of any
// pending batch, possible only while connected.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.unloadFlush()
			return
		case req := <-e.reqs:
			if req.kind == reqShutdown {
				e.unloadFlush()
				req.resp <- response{}
				return
			}
			req.resp <- e.handleRequest(req)
		case msg := <-e.tr.Inbound():
			e.handleInbound(msg)
		case st := <-e.tr.States():
			e.handleConnState(st)
		case <-e.flushTimer.C:
			e.flush("window")
		case <-e.settleTimer.C:
			e.sendSyncRequest()
		}
	}
}

// RegisterTap optimistically applies one tap and schedules its delivery.
// Returns immediately with the assigned client sequence number and the
// predicted result; the round trip resolves later through reconciliation.
// A comboMultiplier <= 0 lets the engine's own combo tracker supply one.
func (e *Engine) RegisterTap(weight, comboMultiplier float64) (ClickResult, error) {
	resp, err := e.ask(request{kind: reqTap, weight: weight, combo: comboMultiplier})
	if err != nil {
		return ClickResult{}, err
	}
	return resp.result, nil
}

// BuyGenerator issues a discrete purchase intent. Queued when offline.
func (e *Engine) BuyGenerator(id string) (uint64, error) {
	resp, err := e.ask(request{kind: reqAction, action: protocol.ActionBuyGenerator, generatorID: id})
	if err != nil {
		return 0, err
	}
	return resp.seq, resp.err
}

// BuyUpgrade issues a discrete upgrade purchase. Queued when offline.
func (e *Engine) BuyUpgrade(id string) (uint64, error) {
	resp, err := e.ask(request{kind: reqAction, action: protocol.ActionBuyUpgrade, upgradeID: id})
	if err != nil {
		return 0, err
	}
	return resp.seq, resp.err
}

// Prestige issues a prestige intent. Never predicted locally: the outcome
// is entirely server-computed.
func (e *Engine) Prestige() (uint64, error) {
	resp, err := e.ask(request{kind: reqAction, action: protocol.ActionPrestige})
	if err != nil {
		return 0, err
	}
	return resp.seq, resp.err
}

// Snapshot returns a deep copy of the current merged view.
func (e *Engine) Snapshot() (GameSnapshot, error) {
	resp, err := e.ask(request{kind: reqSnapshot})
	if err != nil {
		return GameSnapshot{}, err
	}
	return resp.snap, nil
}

func (e *Engine) Stats() (Stats, error) {
	resp, err := e.ask(request{kind: reqStats})
	if err != nil {
		return Stats{}, err
	}
	return resp.stats, nil
}

// Shutdown stops the loop after the unload flush. Safe to call once the
// loop is running; returns after the loop has exited.
func (e *Engine) Shutdown() {
	_, _ = e.ask(request{kind: reqShutdown})
}

func (e *Engine) ask(req request) (response, error) {
	req.resp = make(chan response, 1)
	select {
	case e.reqs <- req:
	case <-e.done:
		return response{}, ErrEngineClosed
	}
	select {
	case resp := <-req.resp:
		return resp, nil
	case <-e.done:
		return response{}, ErrEngineClosed
	}
}

func (e *Engine) handleRequest(req request) response {
	switch req.kind {
	case reqTap:
		return e.applyTap(req)
	case reqAction:
		return e.applyAction(req)
	case reqSnapshot:
		return response{snap: e.snap.Clone()}
	case reqStats:
		return response{stats: e.currentStats()}
	default:
		return response{}
	}
}

func (e *Engine) currentStats() Stats {
	s := e.stats
	s.NextSeq = e.nextSeq
	s.ConfirmedSeq = e.confirmedSeq
	s.OutstandingEssence = e.opt.outstandingEssence
	s.OutstandingUpdates = e.opt.size()
	s.PendingBatchSize = e.batch.count
	s.QueuedEntries = e.queue.len()
	s.ComboPeak = e.comboPeak
	s.CritStreak = e.critStreak
	return s
}

// applyTap is the optimistic-apply path: synchronous, side-effect-free
// with respect to the network. The snapshot reflects the guess before any
// wire message exists.
func (e *Engine) applyTap(req request) response {
	now := time.Now()
	seq := e.nextSeq
	e.nextSeq++

	weight := req.weight
	if weight <= 0 {
		weight = 1
	}
	combo := req.combo
	if combo <= 0 {
		combo = e.trackCombo(now)
	} else {
		e.combo = combo
		e.lastTapAt = now
	}
	if combo > e.comboPeak {
		e.comboPeak = combo
	}

	crit := e.snap.CritChance > 0 && e.rng.Float64() < e.snap.CritChance
	golden := e.cfg.Batch.GoldenPct > 0 && e.rng.Float64() < float64(e.cfg.Batch.GoldenPct)/100
	gain := e.snap.ClickPower * weight * combo
	if crit {
		gain *= e.snap.CritMultiplier
		e.critStreak++
	} else {
		e.critStreak = 0
	}
	if golden {
		gain *= goldenMultiplier
	}

	e.opt.add(&OptimisticUpdate{
		ClientSeq: seq,
		Before: rollbackFields{
			Essence:         e.snap.Essence,
			LifetimeEssence: e.snap.LifetimeEssence,
			TotalClicks:     e.snap.TotalClicks,
		},
		EstimatedGain:     gain,
		EstimatedLifetime: gain,
		EstimatedClicks:   1,
	})
	e.snap.Essence += gain
	e.snap.LifetimeEssence += gain
	e.snap.TotalClicks++

	e.batch.add(seq, combo, now)
	if e.batch.count == 1 {
		e.flushTimer.Reset(e.cfg.Batch.Window())
	}
	if e.batch.count >= e.cfg.Batch.MaxSize {
		e.stopFlushTimer()
		e.flush("size")
	}

	result := ClickResult{ClientSeq: seq, Gain: gain, Crit: crit, Golden: golden, Combo: combo}
	select {
	case e.results <- result:
	default:
	}
	return response{seq: seq, result: result}
}

// trackCombo keeps a rolling combo: rapid taps ramp it, a pause resets it.
func (e *Engine) trackCombo(now time.Time) float64 {
	if !e.lastTapAt.IsZero() && now.Sub(e.lastTapAt) <= e.cfg.Batch.ComboDecay() {
		e.combo += 0.1
		if e.combo > 5 {
			e.combo = 5
		}
	} else {
		e.combo = 1
	}
	e.lastTapAt = now
	return e.combo
}

func (e *Engine) applyAction(req request) response {
	seq := e.nextSeq
	e.nextSeq++

	msg := protocol.ActionMsg{
		Type:            protocol.TypeAction,
		ProtocolVersion: protocol.Version,
		Action:          req.action,
		ClientSeq:       seq,
		GeneratorID:     req.generatorID,
		UpgradeID:       req.upgradeID,
	}

	predicted := false
	switch req.action {
	case protocol.ActionBuyGenerator:
		owned := e.snap.Generators[req.generatorID]
		if price, ok := e.cat.GeneratorPrice(req.generatorID, owned); ok && e.snap.Essence >= price {
			e.opt.add(&OptimisticUpdate{
				ClientSeq: seq,
				Before: rollbackFields{
					Essence:         e.snap.Essence,
					LifetimeEssence: e.snap.LifetimeEssence,
					TotalClicks:     e.snap.TotalClicks,
					GeneratorID:     req.generatorID,
					GeneratorCount:  owned,
				},
				EstimatedGain: -price,
			})
			e.snap.Essence -= price
			e.snap.Generators[req.generatorID] = owned + 1
			predicted = true
		}
	case protocol.ActionBuyUpgrade:
		if price, ok := e.cat.UpgradePrice(req.upgradeID); ok && !e.snap.Upgrades[req.upgradeID] && e.snap.Essence >= price {
			e.opt.add(&OptimisticUpdate{
				ClientSeq: seq,
				Before: rollbackFields{
					Essence:         e.snap.Essence,
					LifetimeEssence: e.snap.LifetimeEssence,
					TotalClicks:     e.snap.TotalClicks,
					UpgradeID:       req.upgradeID,
				},
				EstimatedGain: -price,
			})
			e.snap.Essence -= price
			e.snap.Upgrades[req.upgradeID] = true
			predicted = true
		}
	case protocol.ActionPrestige:
		// Server-computed outcome; nothing to predict.
	}

	if e.tr.State() == netclient.Connected {
		if err := e.tr.Send(msg); err == nil {
			e.emit(Event{Time: time.Now(), Kind: EventActionSent, ClientSeq: seq, Reason: req.action})
			return response{seq: seq}
		}
	}
	if err := e.queue.enqueue(queueEntry{kind: queuedAction, clientSeq: seq, msg: msg}); err != nil {
		// The intent is lost; undo the local guess so the display stays
		// honest, and report the bounded-queue condition to the caller.
		if predicted {
			if u, ok := e.opt.settle(seq); ok {
				e.rollback(u)
			}
		}
		return response{seq: seq, err: err}
	}
	e.emit(Event{Time: time.Now(), Kind: EventActionQueued, ClientSeq: seq, Reason: req.action})
	return response{seq: seq}
}

// flush closes the current batch window. One function for all three call
// sites: window expiry, max-size, and unload.
func (e *Engine) flush(reason string) {
	if e.batch.empty() {
		return
	}
	msg := e.batch.toMsg()
	if e.tr.State() == netclient.Connected {
		if err := e.tr.Send(msg); err != nil {
			e.queueBatch(msg)
		} else {
			e.stats.BatchesSent++
			e.stats.TapsSent += uint64(msg.Count)
			e.emit(Event{
				Time:        time.Now(),
				Kind:        EventBatchSent,
				Count:       msg.Count,
				ClientSeqs:  msg.ClientSeqs,
				Outstanding: e.opt.outstandingEssence,
				Reason:      reason,
			})
		}
	} else {
		e.queueBatch(msg)
	}
	e.batch.reset()
}

func (e *Engine) queueBatch(msg protocol.TapBatchMsg) {
	if err := e.queue.enqueue(queueEntry{kind: queuedTapBatch, msg: msg}); err != nil {
		e.log.Printf("offline batch dropped, queue full (count=%d)", msg.Count)
		e.emit(Event{Time: time.Now(), Kind: EventBatchDropped, Count: msg.Count})
		return
	}
	e.emit(Event{Time: time.Now(), Kind: EventBatchQueued, Count: msg.Count, ClientSeqs: msg.ClientSeqs})
}

// unloadFlush is the unload guard: deliver the pending batch synchronously
// if and only if the connection is live. A disconnected client has no
// synchronous path; whatever sits in the queue is lost with the process.
func (e *Engine) unloadFlush() {
	e.stopFlushTimer()
	if e.tr.State() != netclient.Connected {
		return
	}
	e.flush("unload")
}

func (e *Engine) handleConnState(st netclient.State) {
	e.emit(Event{Time: time.Now(), Kind: EventConnState, ConnState: st.String()})
	switch st {
	case netclient.Connected:
		// Everything predicted against the old horizon is stale relative
		// to the full state about to arrive.
		cleared := e.opt.clear()
		if cleared > 0 {
			e.log.Printf("cleared %d stale optimistic updates on connect", cleared)
		}
		e.stopFlushTimer()
		e.batch.reset()
		if e.hadDrop {
			e.stats.Reconnects++
			e.settleTimer.Reset(e.cfg.Backoff.Settle())
		}
		for _, entry := range e.queue.drainNonTap() {
			if err := e.tr.Send(entry.msg); err != nil {
				e.log.Printf("replay seq=%d failed: %v", entry.clientSeq, err)
				continue
			}
			e.emit(Event{Time: time.Now(), Kind: EventActionSent, ClientSeq: entry.clientSeq, Reason: "replay"})
		}
		e.everConnected = true
		e.hadDrop = false
	case netclient.Reconnecting, netclient.Disconnected, netclient.Failed:
		if e.everConnected {
			e.hadDrop = true
		}
	}
}

func (e *Engine) sendSyncRequest() {
	if e.tr.State() != netclient.Connected {
		return
	}
	msg := protocol.SyncRequestMsg{Type: protocol.TypeSyncRequest, ProtocolVersion: protocol.Version}
	if err := e.tr.Send(msg); err != nil {
		e.log.Printf("sync request failed: %v", err)
		return
	}
	e.emit(Event{Time: time.Now(), Kind: EventSyncRequested})
}

func (e *Engine) stopFlushTimer() {
	if !e.flushTimer.Stop() {
		select {
		case <-e.flushTimer.C:
		default:
		}
	}
}

func (e *Engine) emit(ev Event) {
	for _, s := range e.sinks {
		if err := s.WriteEvent(ev); err != nil {
			e.log.Printf("event sink: %v", err)
		}
	}
}

func (e *Engine) publishDelta() {
	d := StatDelta{
		TotalClicks:        e.snap.TotalClicks,
		ComboPeak:          e.comboPeak,
		CritStreak:         e.critStreak,
		Essence:            e.snap.Essence,
		LifetimeEssence:    e.snap.LifetimeEssence,
		OutstandingEssence: e.opt.outstandingEssence,
	}
	select {
	case e.deltas <- d:
	default:
	}
}
