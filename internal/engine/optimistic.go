package engine

// rollbackFields captures exactly the snapshot fields one optimistic apply
// touched, so a rejection restores them without touching anything else.
type rollbackFields struct {
	Essence         float64
	LifetimeEssence float64
	TotalClicks     uint64

	// Set only for generator purchases.
	GeneratorID    string
	GeneratorCount int

	// Set only for upgrade purchases.
	UpgradeID string
}

// OptimisticUpdate is one outstanding locally-predicted mutation, keyed by
// its client sequence number.
type OptimisticUpdate struct {
	ClientSeq     uint64
	Before        rollbackFields
	EstimatedGain float64

	// Taps also raise lifetime essence and the click counter; purchases
	// only move essence. Tracked separately so batch confirmations can
	// re-base each total precisely.
	EstimatedLifetime float64
	EstimatedClicks   uint64
}

// optimisticStore tracks in-flight updates plus an incrementally maintained
// sum of their predicted gains. The counter is mutated only here so it can
// never drift from the map except through a bug this file owns.
type optimisticStore struct {
	pending             map[uint64]*OptimisticUpdate
	outstandingEssence  float64
	outstandingLifetime float64
	outstandingClicks   uint64
}

func newOptimisticStore() *optimisticStore {
	return &optimisticStore{pending: map[uint64]*OptimisticUpdate{}}
}

func (o *optimisticStore) add(u *OptimisticUpdate) {
	o.pending[u.ClientSeq] = u
	o.outstandingEssence += u.EstimatedGain
	o.outstandingLifetime += u.EstimatedLifetime
	o.outstandingClicks += u.EstimatedClicks
}

// settle removes a confirmed or rejected entry. A second settle for the
// same seq is a no-op, which is what makes duplicate confirmations safe.
func (o *optimisticStore) settle(seq uint64) (*OptimisticUpdate, bool) {
	u, ok := o.pending[seq]
	if !ok {
		return nil, false
	}
	delete(o.pending, seq)
	o.outstandingEssence -= u.EstimatedGain
	o.outstandingLifetime -= u.EstimatedLifetime
	o.outstandingClicks -= u.EstimatedClicks
	if len(o.pending) == 0 {
		// Absorb float residue once the map is empty.
		o.outstandingEssence = 0
		o.outstandingLifetime = 0
		o.outstandingClicks = 0
	}
	return u, true
}

// clear discards every outstanding update. Used when a fresh full state is
// about to become authoritative.
func (o *optimisticStore) clear() int {
	n := len(o.pending)
	o.pending = map[uint64]*OptimisticUpdate{}
	o.outstandingEssence = 0
	o.outstandingLifetime = 0
	o.outstandingClicks = 0
	return n
}

func (o *optimisticStore) size() int { return len(o.pending) }

// sumGains recomputes the counter from scratch; tests assert it against
// outstandingEssence to catch drift.
func (o *optimisticStore) sumGains() float64 {
	var total float64
	for _, u := range o.pending {
		total += u.EstimatedGain
	}
	return total
}
