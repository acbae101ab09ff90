package engine

import "essencetap.gg/internal/protocol"

// GameSnapshot is the merged authoritative+predicted view. It is owned by
// the engine loop; consumers only ever see deep copies.
type GameSnapshot struct {
	Essence             float64
	LifetimeEssence     float64
	TotalClicks         uint64
	ProductionPerSecond float64
	ClickPower          float64
	CritChance          float64
	CritMultiplier      float64
	Generators          map[string]int
	Upgrades            map[string]bool

	// Last server horizon this snapshot reflects.
	Sequence        uint64
	ServerTimestamp int64
}

func newSnapshot() GameSnapshot {
	return GameSnapshot{
		ClickPower:     1,
		CritMultiplier: 1,
		Generators:     map[string]int{},
		Upgrades:       map[string]bool{},
	}
}

func (s GameSnapshot) Clone() GameSnapshot {
	out := s
	out.Generators = make(map[string]int, len(s.Generators))
	for k, v := range s.Generators {
		out.Generators[k] = v
	}
	out.Upgrades = make(map[string]bool, len(s.Upgrades))
	for k := range s.Upgrades {
		out.Upgrades[k] = true
	}
	return out
}

func snapshotFromWire(st protocol.GameState, seq uint64, ts int64) GameSnapshot {
	out := GameSnapshot{
		Essence:             st.Essence,
		LifetimeEssence:     st.LifetimeEssence,
		TotalClicks:         st.TotalClicks,
		ProductionPerSecond: st.ProductionPerSecond,
		ClickPower:          st.ClickPower,
		CritChance:          st.CritChance,
		CritMultiplier:      st.CritMultiplier,
		Generators:          map[string]int{},
		Upgrades:            map[string]bool{},
		Sequence:            seq,
		ServerTimestamp:     ts,
	}
	for k, v := range st.Generators {
		out.Generators[k] = v
	}
	for _, id := range st.Upgrades {
		out.Upgrades[id] = true
	}
	if out.ClickPower <= 0 {
		out.ClickPower = 1
	}
	if out.CritMultiplier <= 0 {
		out.CritMultiplier = 1
	}
	return out
}

// applyPatch merges the non-nil fields of a sparse patch. Generators merge
// per key; upgrades are a union. Essence totals clamp at zero.
func (s *GameSnapshot) applyPatch(p protocol.StatePatch) {
	if p.Essence != nil {
		s.Essence = *p.Essence
	}
	if p.LifetimeEssence != nil {
		s.LifetimeEssence = *p.LifetimeEssence
	}
	if p.TotalClicks != nil {
		s.TotalClicks = *p.TotalClicks
	}
	if p.ProductionPerSecond != nil {
		s.ProductionPerSecond = *p.ProductionPerSecond
	}
	if p.ClickPower != nil {
		s.ClickPower = *p.ClickPower
	}
	if p.CritChance != nil {
		s.CritChance = *p.CritChance
	}
	if p.CritMultiplier != nil {
		s.CritMultiplier = *p.CritMultiplier
	}
	for k, v := range p.Generators {
		s.Generators[k] = v
	}
	for _, id := range p.Upgrades {
		s.Upgrades[id] = true
	}
	s.clampNonNegative()
}

func (s *GameSnapshot) clampNonNegative() {
	if s.Essence < 0 {
		s.Essence = 0
	}
	if s.LifetimeEssence < 0 {
		s.LifetimeEssence = 0
	}
}
