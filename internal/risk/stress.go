package risk

import "riskpulse/internal/models"

// Scenario is a named shock applied to the current snapshot. Shocks are
// fractional price changes; a sector shock takes precedence over the
// asset class shock for the same position.
type Scenario struct {
	Name         string
	ByAssetClass map[models.AssetClass]float64
	BySector     map[string]float64
}

func (s Scenario) shockFor(p models.Position) float64 {
	if v, ok := s.BySector[p.Sector]; ok && p.Sector != "" {
		return v
	}
	if v, ok := s.ByAssetClass[p.AssetClass]; ok {
		return v
	}
	return 0
}

// DefaultScenarios is the fixed scenario set run on every recompute.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Name: "market_crash",
			ByAssetClass: map[models.AssetClass]float64{
				models.AssetEquity: -0.20,
				models.AssetCrypto: -0.30,
				models.AssetBond:   -0.05,
			},
		},
		{
			Name:     "tech_selloff",
			BySector: map[string]float64{"Technology": -0.15},
		},
		{
			Name: "interest_rate_hike",
			ByAssetClass: map[models.AssetClass]float64{
				models.AssetEquity: -0.05,
				models.AssetBond:   -0.10,
			},
		},
		{
			Name:         "crypto_winter",
			ByAssetClass: map[models.AssetClass]float64{models.AssetCrypto: -0.50},
		},
	}
}
