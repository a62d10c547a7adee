package risk

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskpulse/internal/models"
)

func testSnapshot() models.PositionSnapshot {
	return models.PositionSnapshot{
		UserID: "u1",
		Positions: []models.Position{
			{Symbol: "AAPL", Quantity: 10, AverageCost: 150, CurrentPrice: 200, Sector: "Technology", AssetClass: models.AssetEquity},
			{Symbol: "BTC", Quantity: 0.5, AverageCost: 30000, CurrentPrice: 40000, Sector: "Crypto", AssetClass: models.AssetCrypto},
			{Symbol: "TLT", Quantity: 20, AverageCost: 100, CurrentPrice: 90, Sector: "Rates", AssetClass: models.AssetBond},
		},
		Margin: models.Margin{Available: 7500, Used: 2500, Maintenance: 1000},
	}
}

func testPrices() map[string][]float64 {
	return map[string][]float64{
		"AAPL": {190, 195, 192, 198, 201, 199, 200},
		"BTC":  {38000, 39500, 37000, 41000, 42000, 39000, 40000},
		"TLT":  {91, 90.5, 91.2, 90.1, 89.9, 90.4, 90},
	}
}

func TestCompute_EmptySnapshot(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	m := calc.Compute(Input{Snapshot: models.PositionSnapshot{UserID: "u1"}, Now: time.Now()})

	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.ValueAtRisk)
	assert.Empty(t, m.CorrelationMatrix)
	assert.Nil(t, m.Volatility)
	assert.Nil(t, m.Beta)
	assert.Equal(t, 0.0, m.SharpeRatio)
}

func TestCompute_InsufficientHistory(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	m := calc.Compute(Input{Snapshot: testSnapshot()})

	assert.Nil(t, m.Volatility)
	assert.Equal(t, 0.0, m.ValueAtRisk)
	assert.Equal(t, 0.0, m.SharpeRatio)
	assert.InDelta(t, 2000+20000+1800, m.TotalValue, 1e-9)
	// every symbol is on the diagonal, no pairs without history
	assert.Len(t, m.CorrelationMatrix, 3)
	assert.Len(t, m.CorrelationMatrix["AAPL"], 1)
}

func TestCompute_WithHistory(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	bench := []float64{400, 404, 401, 407, 410, 405, 408}

	m := calc.Compute(Input{Snapshot: testSnapshot(), Prices: testPrices(), Benchmark: bench})

	require.NotNil(t, m.Volatility)
	assert.Greater(t, *m.Volatility, 0.0)
	assert.Greater(t, m.ValueAtRisk, 0.0)
	assert.InDelta(t, m.ValueAtRisk/m.TotalValue*100, m.VaRPercentage, 1e-9)
	require.NotNil(t, m.Beta)
	assert.LessOrEqual(t, m.Drawdown, 0.0)
	assert.LessOrEqual(t, m.MaxDrawdown, m.Drawdown)

	for a, row := range m.CorrelationMatrix {
		assert.Equal(t, 1.0, row[a])
		for b, v := range row {
			assert.GreaterOrEqual(t, v, -1.0)
			assert.LessOrEqual(t, v, 1.0)
			assert.Equal(t, v, m.CorrelationMatrix[b][a], "matrix must be symmetric")
		}
	}
	assert.Len(t, m.CorrelationMatrix["AAPL"], 3)
}

func TestCompute_Deterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	in := Input{Snapshot: testSnapshot(), Prices: testPrices(), Benchmark: []float64{1, 2, 3, 2, 3}}

	assert.Equal(t, calc.Compute(in), calc.Compute(in))
}

func TestCompute_AllocationAndMargin(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	m := calc.Compute(Input{Snapshot: testSnapshot()})

	assert.InDelta(t, 25.0, m.MarginUtilization, 1e-9)
	assert.InDelta(t, 20000.0/23800*100, m.PositionConcentration, 1e-4)
	assert.InDelta(t, 2000.0/23800*100, m.Allocation.BySector["Technology"], 1e-4)
	assert.InDelta(t, 1800.0/23800*100, m.Allocation.ByAssetClass["bond"], 1e-4)

	var sum float64
	for _, v := range m.Allocation.BySymbol {
		sum += v
	}
	assert.InDelta(t, 100, sum, 1e-4)
}

func TestCompute_StressScenarios(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	m := calc.Compute(Input{Snapshot: testSnapshot()})

	results := map[string]models.StressResult{}
	for _, r := range m.StressTestResults {
		results[r.Scenario] = r
	}
	require.Len(t, results, 4)
	assert.InDelta(t, -(2000*0.20 + 20000*0.30 + 1800*0.05), results["market_crash"].Impact, 1e-9)
	assert.InDelta(t, -300, results["tech_selloff"].Impact, 1e-9)
	assert.InDelta(t, -10000, results["crypto_winter"].Impact, 1e-9)
}

func TestCompute_Drawdown(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	snap := models.PositionSnapshot{
		UserID:    "u1",
		Positions: []models.Position{{Symbol: "SPY", Quantity: 10, CurrentPrice: 93, AssetClass: models.AssetEquity}},
	}

	m := calc.Compute(Input{Snapshot: snap, Prices: map[string][]float64{"SPY": {100, 97, 93}}})

	assert.InDelta(t, -7.0, m.Drawdown, 1e-9)
	assert.InDelta(t, -7.0, m.MaxDrawdown, 1e-9)
}

func TestBeta_ZeroBenchmarkVariance(t *testing.T) {
	assert.Nil(t, beta([]float64{0.01, -0.02, 0.03}, []float64{0, 0, 0}))
	assert.Nil(t, beta([]float64{0.01}, []float64{0.02}))
}

func TestSharpe_ZeroVolatility(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	snap := models.PositionSnapshot{
		UserID:    "u1",
		Positions: []models.Position{{Symbol: "CASH", Quantity: 1, CurrentPrice: 100}},
	}

	m := calc.Compute(Input{Snapshot: snap, Prices: map[string][]float64{"CASH": {100, 100, 100}}})

	require.NotNil(t, m.Volatility)
	assert.Equal(t, 0.0, *m.Volatility)
	assert.Equal(t, 0.0, m.SharpeRatio)
}

func TestNormQuantile(t *testing.T) {
	assert.InDelta(t, 1.6448536269514722, normQuantile(0.95), 1e-8)
	assert.InDelta(t, -2.3263478740408408, normQuantile(0.01), 1e-8)
	assert.InDelta(t, 0, normQuantile(0.5), 1e-12)
}

func TestRiskMetrics_JSONRoundTrip(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	in := Input{Snapshot: testSnapshot(), Prices: testPrices(), Benchmark: []float64{400, 404, 401, 407, 410, 405, 408}}
	m := calc.Compute(in)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var back models.RiskMetrics
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.InDelta(t, m.ValueAtRisk, back.ValueAtRisk, 1e-9)
	assert.InDelta(t, m.SharpeRatio, back.SharpeRatio, 1e-9)
	assert.InDelta(t, *m.Volatility, *back.Volatility, 1e-9)
	assert.InDelta(t, *m.Beta, *back.Beta, 1e-9)
	assert.InDelta(t, m.Drawdown, back.Drawdown, 1e-9)
	for a, row := range m.CorrelationMatrix {
		for b, v := range row {
			assert.InDelta(t, v, back.CorrelationMatrix[a][b], 1e-9)
		}
	}
	assert.False(t, math.IsNaN(back.Kurtosis))
}

func TestCompute_NetShortValueAtRisk(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	prices := map[string][]float64{"AAPL": {100, 102, 101, 105, 104, 108}}
	book := func(qty float64) models.PositionSnapshot {
		return models.PositionSnapshot{UserID: "u1", Positions: []models.Position{
			{Symbol: "AAPL", Quantity: qty, CurrentPrice: 108, AssetClass: models.AssetEquity},
		}}
	}

	long := calc.Compute(Input{Snapshot: book(10), Prices: prices})
	short := calc.Compute(Input{Snapshot: book(-10), Prices: prices})

	require.Less(t, short.TotalValue, 0.0)
	assert.Greater(t, short.ValueAtRisk, 0.0)
	// a rising market hurts the short, so its tail loss exceeds the long's
	assert.Greater(t, short.ValueAtRisk, long.ValueAtRisk)
	assert.InDelta(t, short.ValueAtRisk/1080*100, short.VaRPercentage, 1e-9)
}

func TestHistory_Window(t *testing.T) {
	h := NewHistory(3)
	for _, p := range []float64{1, 2, 3, 4} {
		h.Append(models.PositionSnapshot{UserID: "u1", Positions: []models.Position{{Symbol: "X", CurrentPrice: p}}})
	}

	got := h.Prices("u1", []string{"X", "Y"})

	assert.Equal(t, []float64{2, 3, 4}, got["X"])
	_, ok := got["Y"]
	assert.False(t, ok)
	assert.Empty(t, h.Prices("u2", []string{"X"}))
}

func TestHistory_DuplicateSymbolAppendsOnce(t *testing.T) {
	h := NewHistory(10)
	lots := func(price float64) models.PositionSnapshot {
		return models.PositionSnapshot{UserID: "u1", Positions: []models.Position{
			{Symbol: "AAPL", Quantity: 5, CurrentPrice: price},
			{Symbol: "AAPL", Quantity: 5, CurrentPrice: price},
		}}
	}

	h.Append(lots(100))
	h.Append(lots(110))

	assert.Equal(t, []float64{100, 110}, h.Prices("u1", []string{"AAPL"})["AAPL"])
}

func TestHistory_BenchmarkSampledPerAppend(t *testing.T) {
	h := NewHistory(10)
	snap := func(price float64) models.PositionSnapshot {
		return models.PositionSnapshot{UserID: "u1", Positions: []models.Position{{Symbol: "X", CurrentPrice: price}}}
	}

	h.Append(snap(10))
	h.SetBenchmark(400)
	h.Append(snap(11))
	h.Append(snap(12))
	h.Append(snap(13))
	h.SetBenchmark(410)
	h.Append(snap(14))

	assert.Equal(t, []float64{400, 400, 400, 410}, h.Benchmark("u1"))
	assert.Len(t, h.Prices("u1", []string{"X"})["X"], 5)
	assert.Nil(t, h.Benchmark("u2"))
}

func TestBeta_PairsSamplesTakenTogether(t *testing.T) {
	h := NewHistory(20)
	calc := NewCalculator(DefaultConfig())
	// several pushes arrive between each benchmark quote; the portfolio moves
	// exactly twice as much as the benchmark over every shared interval
	bench := []float64{100, 100, 102, 102, 101, 101, 104}
	var snap models.PositionSnapshot
	for _, b := range bench {
		h.SetBenchmark(b)
		snap = models.PositionSnapshot{UserID: "u1", Positions: []models.Position{
			{Symbol: "LEV", Quantity: 1, CurrentPrice: 100 + 2*(b-100), AssetClass: models.AssetEquity},
		}}
		h.Append(snap)
	}

	m := calc.Compute(Input{Snapshot: snap, Prices: h.Prices("u1", []string{"LEV"}), Benchmark: h.Benchmark("u1")})

	require.NotNil(t, m.Beta)
	assert.Greater(t, *m.Beta, 1.5)
}
