package engine

import "math"

// GeneratorSpec prices one generator type: cost scales geometrically with
// the owned count, mirroring the server's pricing.
type GeneratorSpec struct {
	BaseCost float64
	Growth   float64
}

// Catalog carries the prices the engine needs to predict purchase effects
// locally. The server remains authoritative; a stale catalog just means a
// prediction gets rejected and rolled back.
type Catalog struct {
	Generators map[string]GeneratorSpec
	Upgrades   map[string]float64
}

func DefaultCatalog() Catalog {
	return Catalog{
		Generators: map[string]GeneratorSpec{
			"sprite":    {BaseCost: 15, Growth: 1.15},
			"golem":     {BaseCost: 100, Growth: 1.15},
			"font":      {BaseCost: 1100, Growth: 1.15},
			"sanctum":   {BaseCost: 12000, Growth: 1.15},
			"leyline":   {BaseCost: 130000, Growth: 1.15},
			"nexus":     {BaseCost: 1.4e6, Growth: 1.15},
			"rift":      {BaseCost: 2.0e7, Growth: 1.15},
			"singular":  {BaseCost: 3.3e8, Growth: 1.15},
		},
		Upgrades: map[string]float64{
			"iron_finger":    100,
			"steel_finger":   500,
			"mithril_finger": 10000,
			"lucky_charm":    50000,
			"golden_touch":   250000,
		},
	}
}

// GeneratorPrice returns the predicted next-unit price, or false when the
// id is unknown and no local prediction should be made.
func (c Catalog) GeneratorPrice(id string, owned int) (float64, bool) {
	spec, ok := c.Generators[id]
	if !ok {
		return 0, false
	}
	return math.Floor(spec.BaseCost * math.Pow(spec.Growth, float64(owned))), true
}

func (c Catalog) UpgradePrice(id string) (float64, bool) {
	price, ok := c.Upgrades[id]
	return price, ok
}
