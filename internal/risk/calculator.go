// Package risk derives portfolio risk metrics from position snapshots.
// Everything here is a pure function of its input.
package risk

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskpulse/internal/models"
)

type Config struct {
	ConfidenceLevel float64
	HorizonDays     int
	RiskFreeRate    float64 // annual
	TradingDays     int
	Scenarios       []Scenario
}

func DefaultConfig() Config {
	return Config{
		ConfidenceLevel: 0.95,
		HorizonDays:     1,
		RiskFreeRate:    0.02,
		TradingDays:     252,
		Scenarios:       DefaultScenarios(),
	}
}

// Input is one computation cycle. Prices holds per-symbol price series,
// oldest first; Benchmark is the benchmark price series.
type Input struct {
	Snapshot  models.PositionSnapshot
	Prices    map[string][]float64
	Benchmark []float64
	Now       time.Time
}

// minCorrelationReturns is the joint return count below which a pair is
// left out of the correlation matrix.
const minCorrelationReturns = 3

type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = def.ConfidenceLevel
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.TradingDays <= 0 {
		cfg.TradingDays = def.TradingDays
	}
	if cfg.Scenarios == nil {
		cfg.Scenarios = def.Scenarios
	}
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Compute(in Input) *models.RiskMetrics {
	snap := in.Snapshot
	out := &models.RiskMetrics{
		UserID:            snap.UserID,
		ComputedAt:        in.Now,
		ConfidenceLevel:   c.cfg.ConfidenceLevel,
		CorrelationMatrix: map[string]map[string]float64{},
		StressTestResults: []models.StressResult{},
		Allocation: models.Allocation{
			BySector:     map[string]float64{},
			ByAssetClass: map[string]float64{},
			BySymbol:     map[string]float64{},
		},
	}
	out.MarginUtilization = marginUtilization(snap.Margin)

	if len(snap.Positions) == 0 {
		return out
	}

	total, gross, values := valuate(snap.Positions)
	out.TotalValue = total.InexactFloat64()
	c.allocate(out, snap.Positions, values, gross)
	out.StressTestResults = c.stress(snap.Positions, values, total)

	series := portfolioSeries(snap.Positions, in.Prices)
	out.Drawdown, out.MaxDrawdown = drawdowns(series)

	returns := pctReturns(series)
	c.returnMetrics(out, returns, in.Benchmark)
	out.CorrelationMatrix = correlationMatrix(snap.Symbols(), in.Prices)

	return out
}

func (c *Calculator) returnMetrics(out *models.RiskMetrics, returns, benchmark []float64) {
	sigma, ok := stdDev(returns)
	if !ok {
		return
	}
	mu := mean(returns)
	annual := math.Sqrt(float64(c.cfg.TradingDays))

	vol := sigma * annual
	out.Volatility = &vol

	// A net-short book loses when returns of its (negative) value series
	// are positive, so the drift term flips sign.
	drift := mu
	if out.TotalValue < 0 {
		drift = -mu
	}
	z := normQuantile(c.cfg.ConfidenceLevel)
	v := (z*sigma - drift) * math.Abs(out.TotalValue) * math.Sqrt(float64(c.cfg.HorizonDays))
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	out.ValueAtRisk = v
	if out.TotalValue != 0 {
		out.VaRPercentage = v / math.Abs(out.TotalValue) * 100
	}

	excess := mu*float64(c.cfg.TradingDays) - c.cfg.RiskFreeRate
	if vol != 0 {
		out.SharpeRatio = excess / vol
	}
	if dd := downsideDev(returns) * annual; dd != 0 {
		out.SortinoRatio = excess / dd
	}
	out.Skewness = skewness(returns)
	out.Kurtosis = excessKurtosis(returns)

	out.Beta = beta(returns, pctReturns(benchmark))
}

// beta is nil when there are fewer than two joint returns or the benchmark
// has no variance.
func beta(portfolio, benchmark []float64) *float64 {
	n := min(len(portfolio), len(benchmark))
	if n < 2 {
		return nil
	}
	p, b := tail(portfolio, n), tail(benchmark, n)
	sb, _ := stdDev(b)
	if sb == 0 {
		return nil
	}
	v := covariance(p, b) / (sb * sb)
	return &v
}

func valuate(positions []models.Position) (total, gross decimal.Decimal, values []decimal.Decimal) {
	values = make([]decimal.Decimal, len(positions))
	for i, p := range positions {
		v := decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(p.CurrentPrice))
		values[i] = v
		total = total.Add(v)
		gross = gross.Add(v.Abs())
	}
	return total, gross, values
}

func (c *Calculator) allocate(out *models.RiskMetrics, positions []models.Position, values []decimal.Decimal, gross decimal.Decimal) {
	if gross.IsZero() {
		return
	}
	hundred := decimal.NewFromInt(100)
	bySymbol := map[string]decimal.Decimal{}
	bySector := map[string]decimal.Decimal{}
	byClass := map[string]decimal.Decimal{}
	for i, p := range positions {
		w := values[i].Abs()
		bySymbol[p.Symbol] = bySymbol[p.Symbol].Add(w)
		sector := p.Sector
		if sector == "" {
			sector = "Unclassified"
		}
		bySector[sector] = bySector[sector].Add(w)
		class := string(p.AssetClass)
		if class == "" {
			class = string(models.AssetOther)
		}
		byClass[class] = byClass[class].Add(w)
	}

	pct := func(d decimal.Decimal) float64 {
		return d.Div(gross).Mul(hundred).Round(6).InexactFloat64()
	}
	var largest decimal.Decimal
	for k, v := range bySymbol {
		out.Allocation.BySymbol[k] = pct(v)
		if v.GreaterThan(largest) {
			largest = v
		}
	}
	for k, v := range bySector {
		out.Allocation.BySector[k] = pct(v)
	}
	for k, v := range byClass {
		out.Allocation.ByAssetClass[k] = pct(v)
	}
	out.PositionConcentration = pct(largest)
}

func (c *Calculator) stress(positions []models.Position, values []decimal.Decimal, total decimal.Decimal) []models.StressResult {
	results := make([]models.StressResult, 0, len(c.cfg.Scenarios))
	for _, s := range c.cfg.Scenarios {
		var impact decimal.Decimal
		for i, p := range positions {
			impact = impact.Add(values[i].Mul(decimal.NewFromFloat(s.shockFor(p))))
		}
		r := models.StressResult{Scenario: s.Name, Impact: impact.InexactFloat64()}
		if !total.IsZero() {
			r.ImpactPercent = impact.Div(total.Abs()).Mul(decimal.NewFromInt(100)).Round(6).InexactFloat64()
		}
		results = append(results, r)
	}
	return results
}

func marginUtilization(m models.Margin) float64 {
	base := m.Used + m.Available
	if base <= 0 {
		return 0
	}
	return m.Used / base * 100
}

// portfolioSeries rebuilds portfolio value over the tail-aligned price
// history using current quantities. Symbols with no history are held flat
// at their current price.
func portfolioSeries(positions []models.Position, prices map[string][]float64) []float64 {
	n := 0
	for _, p := range positions {
		if h := prices[p.Symbol]; len(h) > 0 && (n == 0 || len(h) < n) {
			n = len(h)
		}
	}
	if n == 0 {
		n = 1
	}
	series := make([]float64, n)
	for _, p := range positions {
		h := prices[p.Symbol]
		if len(h) == 0 {
			for t := range series {
				series[t] += p.Quantity * p.CurrentPrice
			}
			continue
		}
		h = tail(h, n)
		for t := range series {
			series[t] += p.Quantity * h[t]
		}
	}
	return series
}

// drawdowns returns the current and the maximum percentage decline from the
// running peak. Both are zero or negative.
func drawdowns(series []float64) (current, worst float64) {
	var peak float64
	for i, v := range series {
		if i == 0 || v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (v - peak) / peak * 100
		if dd < worst {
			worst = dd
		}
		current = dd
	}
	return current, worst
}

func correlationMatrix(symbols []string, prices map[string][]float64) map[string]map[string]float64 {
	uniq := make([]string, 0, len(symbols))
	seen := map[string]bool{}
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			uniq = append(uniq, s)
		}
	}
	sort.Strings(uniq)

	returns := make(map[string][]float64, len(uniq))
	for _, s := range uniq {
		returns[s] = pctReturns(prices[s])
	}

	out := make(map[string]map[string]float64, len(uniq))
	set := func(a, b string, v float64) {
		if out[a] == nil {
			out[a] = map[string]float64{}
		}
		out[a][b] = v
	}
	for i, a := range uniq {
		set(a, a, 1.0)
		for _, b := range uniq[i+1:] {
			n := min(len(returns[a]), len(returns[b]))
			if n < minCorrelationReturns {
				continue
			}
			r, ok := pearson(tail(returns[a], n), tail(returns[b], n))
			if !ok {
				continue
			}
			set(a, b, r)
			set(b, a, r)
		}
	}
	return out
}
