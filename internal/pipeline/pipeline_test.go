package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"riskpulse/internal/market"
	"riskpulse/internal/models"
	"riskpulse/internal/notify"
	"riskpulse/internal/positions"
	"riskpulse/internal/telemetry"
)

type update struct {
	metrics *models.RiskMetrics
	notes   []*models.Notification
}

type recordingFeed struct {
	mu      sync.Mutex
	updates map[string][]update
	errors  map[string][]string
	ticks   map[string]float64
}

func newRecordingFeed() *recordingFeed {
	return &recordingFeed{
		updates: map[string][]update{},
		errors:  map[string][]string{},
		ticks:   map[string]float64{},
	}
}

func (f *recordingFeed) PublishUpdate(userID string, m *models.RiskMetrics, notes []*models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[userID] = append(f.updates[userID], update{metrics: m, notes: notes})
}

func (f *recordingFeed) PublishError(userID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[userID] = append(f.errors[userID], message)
}

func (f *recordingFeed) PublishMarketData(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[symbol] = price
}

func (f *recordingFeed) userUpdates(userID string) []update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]update(nil), f.updates[userID]...)
}

func (f *recordingFeed) userErrors(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errors[userID]...)
}

func (f *recordingFeed) tick(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks[symbol]
}

type staticThresholds struct {
	list []models.AlertThreshold
	err  error
}

func (s staticThresholds) Thresholds(_ context.Context, userID string) ([]models.AlertThreshold, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.AlertThreshold
	for _, th := range s.list {
		if th.UserID == userID {
			out = append(out, th)
		}
	}
	return out, nil
}

type countingSender struct {
	mu sync.Mutex
	n  int
}

func (s *countingSender) Send(context.Context, string, *models.Notification) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type stubSource struct {
	snap models.PositionSnapshot
	err  error
}

func (s stubSource) Snapshot(context.Context, string) (models.PositionSnapshot, error) {
	return s.snap, s.err
}

type fixedPrices map[string]float64

func (f fixedPrices) Refresh(_ context.Context, instruments []market.Instrument) (map[string]float64, error) {
	out := map[string]float64{}
	for _, in := range instruments {
		if p, ok := f[in.Symbol]; ok {
			out[in.Symbol] = p
		}
	}
	return out, nil
}

// slowPrices runs during while the quote request is in flight.
type slowPrices struct {
	prices fixedPrices
	during func()
}

func (s *slowPrices) Refresh(ctx context.Context, instruments []market.Instrument) (map[string]float64, error) {
	if s.during != nil {
		s.during()
	}
	return s.prices.Refresh(ctx, instruments)
}

func snapshot(userID string, price float64) models.PositionSnapshot {
	return models.PositionSnapshot{
		UserID: userID,
		Positions: []models.Position{
			{Symbol: "AAPL", Quantity: 100, AverageCost: 90, CurrentPrice: price, Sector: "Technology", AssetClass: models.AssetEquity},
		},
		Margin: models.Margin{Available: 50000, Used: 10000},
	}
}

func drawdownThreshold() models.AlertThreshold {
	return models.AlertThreshold{
		ID:                   "th-dd",
		UserID:               "u1",
		PortfolioID:          "p1",
		MetricType:           models.MetricPortfolioDrawdown,
		Threshold:            -5,
		Condition:            models.ConditionBelow,
		Enabled:              true,
		Frequency:            models.Frequency{Type: models.FrequencyImmediate},
		NotificationChannels: models.ChannelSet{Email: true, SMS: true, Push: true, InApp: true},
	}
}

type harness struct {
	p          *Pipeline
	feed       *recordingFeed
	dispatcher *notify.Dispatcher
	email      *countingSender
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{feed: newRecordingFeed(), email: &countingSender{}}
	h.dispatcher = notify.NewDispatcher(notify.Senders{Email: h.email, SMS: &countingSender{}, Push: &countingSender{}},
		nil, telemetry.New(), notify.DefaultOptions(), logger)
	deps.Notifier = h.dispatcher
	deps.Feed = h.feed
	deps.Metrics = telemetry.New()
	deps.Logger = logger
	h.p = New(deps, DefaultOptions())
	t.Cleanup(func() {
		_ = h.p.Close()
		_ = h.dispatcher.Close()
	})
	return h
}

// submitAndWait submits one snapshot and waits for its cycle.
func (h *harness) submitAndWait(t *testing.T, snap models.PositionSnapshot) {
	t.Helper()
	require.NoError(t, h.p.Submit(snap))
	h.p.Wait()
}

func TestPipeline_DrawdownCrossingEndToEnd(t *testing.T) {
	h := newHarness(t, Deps{Thresholds: staticThresholds{list: []models.AlertThreshold{drawdownThreshold()}}})

	for _, price := range []float64{100, 97, 93} {
		h.submitAndWait(t, snapshot("u1", price))
	}
	h.dispatcher.Wait()

	updates := h.feed.userUpdates("u1")
	require.Len(t, updates, 3)
	assert.InDelta(t, -3.0, updates[1].metrics.Drawdown, 1e-9)
	assert.Empty(t, updates[1].notes)
	assert.InDelta(t, -7.0, updates[2].metrics.Drawdown, 1e-9)
	require.Len(t, updates[2].notes, 1)
	assert.Equal(t, "th-dd", updates[2].notes[0].ThresholdID)
	assert.Equal(t, models.NotificationError, updates[2].notes[0].Type)
	assert.Equal(t, 1, h.email.count())

	assert.Same(t, updates[2].metrics, h.p.Latest("u1"))
}

func TestPipeline_StaysQuietWhileCrossed(t *testing.T) {
	h := newHarness(t, Deps{Thresholds: staticThresholds{list: []models.AlertThreshold{drawdownThreshold()}}})

	for _, price := range []float64{100, 93, 92, 91} {
		h.submitAndWait(t, snapshot("u1", price))
	}
	h.dispatcher.Wait()

	var fired int
	for _, u := range h.feed.userUpdates("u1") {
		fired += len(u.notes)
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, h.email.count())
}

func TestPipeline_CoalescesToLatest(t *testing.T) {
	h := newHarness(t, Deps{})

	for i := 1; i <= 50; i++ {
		require.NoError(t, h.p.Submit(snapshot("u1", float64(i))))
	}
	h.p.Wait()

	updates := h.feed.userUpdates("u1")
	require.NotEmpty(t, updates)
	assert.LessOrEqual(t, len(updates), 50)
	last := updates[len(updates)-1].metrics
	assert.InDelta(t, 5000.0, last.TotalValue, 1e-9, "the newest snapshot is always processed")
}

func TestPipeline_UsersAreIndependent(t *testing.T) {
	h := newHarness(t, Deps{})

	require.NoError(t, h.p.Submit(snapshot("u1", 100)))
	require.NoError(t, h.p.Submit(snapshot("u2", 50)))
	h.p.Wait()

	assert.InDelta(t, 10000.0, h.p.Latest("u1").TotalValue, 1e-9)
	assert.InDelta(t, 5000.0, h.p.Latest("u2").TotalValue, 1e-9)
	assert.ElementsMatch(t, []string{"u1", "u2"}, h.p.Cache().Users())
}

func TestPipeline_RejectsInvalidSnapshot(t *testing.T) {
	h := newHarness(t, Deps{})

	err := h.p.Submit(models.PositionSnapshot{Positions: []models.Position{{Symbol: "X"}}})

	assert.ErrorIs(t, err, positions.ErrInvalidSnapshot)
}

func TestPipeline_UpstreamErrorKeepsLastKnownGood(t *testing.T) {
	src := &stubSource{snap: snapshot("u1", 100)}
	h := newHarness(t, Deps{Source: src})

	require.NoError(t, h.p.Refresh(context.Background(), "u1"))
	h.p.Wait()
	good := h.p.Latest("u1")
	require.NotNil(t, good)

	src.err = errors.New("upstream timeout")
	err := h.p.Refresh(context.Background(), "u1")

	require.Error(t, err)
	assert.Same(t, good, h.p.Latest("u1"))
	assert.Equal(t, []string{"positions unavailable"}, h.feed.userErrors("u1"))
}

func TestPipeline_ThresholdLookupFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, Deps{Thresholds: staticThresholds{err: errors.New("db locked")}})

	h.submitAndWait(t, snapshot("u1", 100))

	assert.Nil(t, h.p.Latest("u1"))
	assert.Empty(t, h.feed.userUpdates("u1"))
	assert.Len(t, h.feed.userErrors("u1"), 1)
}

func TestPipeline_RefreshPrices(t *testing.T) {
	h := newHarness(t, Deps{Prices: fixedPrices{"AAPL": 110, "SPY": 500}})
	h.submitAndWait(t, snapshot("u1", 100))

	require.NoError(t, h.p.RefreshPrices(context.Background()))
	h.p.Wait()

	assert.Equal(t, 110.0, h.feed.tick("AAPL"))
	assert.Equal(t, 500.0, h.feed.tick("SPY"))
	assert.InDelta(t, 11000.0, h.p.Latest("u1").TotalValue, 1e-9)
	snap, ok := h.p.Snapshot("u1")
	require.True(t, ok)
	assert.Equal(t, 110.0, snap.Positions[0].CurrentPrice)
}

func TestPipeline_RefreshPricesKeepsNewerSnapshot(t *testing.T) {
	prices := &slowPrices{prices: fixedPrices{"AAPL": 110}}
	h := newHarness(t, Deps{Prices: prices})
	h.submitAndWait(t, snapshot("u1", 100))

	prices.during = func() {
		require.NoError(t, h.p.Submit(models.PositionSnapshot{
			UserID:    "u1",
			Positions: []models.Position{{Symbol: "MSFT", Quantity: 10, CurrentPrice: 300, AssetClass: models.AssetEquity}},
		}))
	}
	require.NoError(t, h.p.RefreshPrices(context.Background()))
	h.p.Wait()

	snap, ok := h.p.Snapshot("u1")
	require.True(t, ok)
	assert.Equal(t, []string{"MSFT"}, snap.Symbols())
	assert.InDelta(t, 3000.0, h.p.Latest("u1").TotalValue, 1e-9)

	// later polls reprice what the user holds now
	prices.during = nil
	prices.prices = fixedPrices{"AAPL": 120, "MSFT": 310}
	require.NoError(t, h.p.RefreshPrices(context.Background()))
	h.p.Wait()

	snap, _ = h.p.Snapshot("u1")
	assert.Equal(t, []string{"MSFT"}, snap.Symbols())
	assert.InDelta(t, 3100.0, h.p.Latest("u1").TotalValue, 1e-9)
}

func TestPipeline_BenchmarkSampledWithEverySubmit(t *testing.T) {
	h := newHarness(t, Deps{Prices: fixedPrices{"SPY": 500}})
	h.submitAndWait(t, snapshot("u1", 100))

	require.NoError(t, h.p.RefreshPrices(context.Background()))
	for _, price := range []float64{101, 99, 102} {
		h.submitAndWait(t, snapshot("u1", price))
	}

	assert.Equal(t, []float64{500, 500, 500}, h.p.deps.History.Benchmark("u1"))
	assert.Len(t, h.p.deps.History.Prices("u1", []string{"AAPL"})["AAPL"], 4)
}

func TestPipeline_RejectsDuplicateSymbols(t *testing.T) {
	h := newHarness(t, Deps{})
	snap := snapshot("u1", 100)
	snap.Positions = append(snap.Positions, models.Position{Symbol: "aapl", Quantity: 5, CurrentPrice: 100})

	err := h.p.Submit(snap)

	assert.ErrorIs(t, err, positions.ErrInvalidSnapshot)
	_, ok := h.p.Snapshot("u1")
	assert.False(t, ok)
}

func TestPipeline_ReleaseSnoozed(t *testing.T) {
	h := newHarness(t, Deps{Thresholds: staticThresholds{list: []models.AlertThreshold{drawdownThreshold()}}})
	h.submitAndWait(t, snapshot("u1", 100))
	h.submitAndWait(t, snapshot("u1", 90))
	updates := h.feed.userUpdates("u1")
	require.Len(t, updates[1].notes, 1)
	id := updates[1].notes[0].ID

	_, err := h.dispatcher.Snooze("u1", id, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, h.p.ReleaseSnoozed())

	released := h.dispatcher.ReleaseSnoozed(time.Now().Add(2 * time.Minute))
	require.Len(t, released, 1)
	assert.Equal(t, id, released[0].ID)
}

func TestPipeline_SubmitAfterClose(t *testing.T) {
	h := newHarness(t, Deps{})
	require.NoError(t, h.p.Close())

	assert.ErrorIs(t, h.p.Submit(snapshot("u1", 100)), ErrClosed)
}
