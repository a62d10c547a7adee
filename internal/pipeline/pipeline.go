// Package pipeline runs the per-user recompute cycle: snapshot, metrics,
// threshold evaluation, notification, push.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"riskpulse/internal/alerts"
	"riskpulse/internal/market"
	"riskpulse/internal/models"
	"riskpulse/internal/notify"
	"riskpulse/internal/positions"
	"riskpulse/internal/risk"
	"riskpulse/internal/telemetry"
)

var ErrClosed = errors.New("pipeline closed")

// Feed is where finished cycles are pushed.
type Feed interface {
	PublishUpdate(userID string, metrics *models.RiskMetrics, notes []*models.Notification)
	PublishError(userID, message string)
	PublishMarketData(symbol string, price float64)
}

type Notifier interface {
	Dispatch(ctx context.Context, c alerts.Crossing) notify.Result
	ReleaseSnoozed(now time.Time) []*models.Notification
}

type PriceSource interface {
	Refresh(ctx context.Context, instruments []market.Instrument) (map[string]float64, error)
}

type Deps struct {
	Calculator *risk.Calculator
	History    *risk.History
	Evaluator  *alerts.Evaluator
	Thresholds alerts.ThresholdSource
	Notifier   Notifier
	Feed       Feed
	Source     positions.Source
	Prices     PriceSource
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
}

type Options struct {
	Benchmark    string
	CycleTimeout time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{Benchmark: "SPY", CycleTimeout: 10 * time.Second}
}

type worker struct {
	pending *models.PositionSnapshot
	running bool
}

// Pipeline processes each user's snapshots one at a time. A snapshot
// submitted while the user's cycle is running replaces any snapshot still
// waiting, so only the newest is processed next. Users run concurrently.
type Pipeline struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	cache    *Cache
	validate *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workers   map[string]*worker
	snapshots map[string]models.PositionSnapshot
	revisions map[string]uint64
	closed    bool
	wg        sync.WaitGroup
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultOptions().CycleTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Calculator == nil {
		deps.Calculator = risk.NewCalculator(risk.DefaultConfig())
	}
	if deps.History == nil {
		deps.History = risk.NewHistory(252)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = alerts.NewEvaluator(deps.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.Named("pipeline"),
		cache:     NewCache(),
		validate:  validator.New(),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
		snapshots: make(map[string]models.PositionSnapshot),
		revisions: make(map[string]uint64),
	}
}

func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// Latest returns the user's last-known-good metrics, or nil.
func (p *Pipeline) Latest(userID string) *models.RiskMetrics {
	return p.cache.Latest(userID)
}

// Snapshot returns the last snapshot accepted for the user.
func (p *Pipeline) Snapshot(userID string) (models.PositionSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[userID]
	if !ok {
		return models.PositionSnapshot{}, false
	}
	return snap.Clone(), true
}

// Submit queues a snapshot for processing. It never blocks on the cycle.
func (p *Pipeline) Submit(snap models.PositionSnapshot) error {
	snap = snap.Clone()
	if err := positions.Validate(p.validate, &snap); err != nil {
		return err
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = p.opts.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitLocked(snap)
}

// submitLocked stores snap as the user's newest snapshot and queues it.
// The caller holds p.mu and has validated snap.
func (p *Pipeline) submitLocked(snap models.PositionSnapshot) error {
	if p.closed {
		return ErrClosed
	}
	p.snapshots[snap.UserID] = snap
	p.revisions[snap.UserID]++

	w, ok := p.workers[snap.UserID]
	if !ok {
		w = &worker{}
		p.workers[snap.UserID] = w
	}
	if w.pending != nil && p.deps.Metrics != nil {
		p.deps.Metrics.CoalescedUpdates.Inc()
	}
	next := snap.Clone()
	w.pending = &next
	if !w.running {
		w.running = true
		p.wg.Add(1)
		go p.run(snap.UserID, w)
	}
	return nil
}

// Refresh pulls the user's snapshot from the configured source and submits
// it. On failure the user's subscribers are told and the cached metrics
// stay as they were.
func (p *Pipeline) Refresh(ctx context.Context, userID string) error {
	if p.deps.Source == nil {
		return errors.New("no position source configured")
	}
	snap, err := p.deps.Source.Snapshot(ctx, userID)
	if err != nil {
		p.fail(userID, "positions unavailable", err)
		return fmt.Errorf("refresh %s: %w", userID, err)
	}
	return p.Submit(snap)
}

func (p *Pipeline) run(userID string, w *worker) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		snap := w.pending
		w.pending = nil
		if snap == nil || p.closed {
			w.running = false
			delete(p.workers, userID)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.process(*snap)
	}
}

func (p *Pipeline) process(snap models.PositionSnapshot) {
	start := time.Now()
	userID := snap.UserID
	now := p.opts.Now()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.CycleTimeout)
	defer cancel()

	var thresholds []models.AlertThreshold
	if p.deps.Thresholds != nil {
		ths, err := p.deps.Thresholds.Thresholds(ctx, userID)
		if err != nil {
			p.fail(userID, "alert thresholds unavailable", err)
			return
		}
		thresholds = ths
	}

	p.deps.History.Append(snap)
	metrics := p.deps.Calculator.Compute(risk.Input{
		Snapshot:  snap,
		Prices:    p.deps.History.Prices(userID, snap.Symbols()),
		Benchmark: p.deps.History.Benchmark(userID),
		Now:       now,
	})

	prev := p.cache.Latest(userID)
	crossings := p.deps.Evaluator.Evaluate(prev, metrics, thresholds, now)
	p.cache.set(userID, metrics)

	var notes []*models.Notification
	if p.deps.Notifier != nil {
		for _, c := range crossings {
			res := p.deps.Notifier.Dispatch(ctx, c)
			if res.Live && res.Notification != nil {
				notes = append(notes, res.Notification)
			}
		}
	}

	if p.deps.Feed != nil {
		p.deps.Feed.PublishUpdate(userID, metrics, notes)
	}

	if m := p.deps.Metrics; m != nil {
		m.RecomputeTotal.WithLabelValues("ok").Inc()
		m.RecomputeLatency.Observe(time.Since(start).Seconds())
		m.CrossingsTotal.Add(float64(len(crossings)))
	}
	p.logger.Debug("Cycle complete",
		zap.String("user_id", userID),
		zap.Int("positions", len(snap.Positions)),
		zap.Int("crossings", len(crossings)),
		zap.Duration("took", time.Since(start)))
}

func (p *Pipeline) fail(userID, message string, err error) {
	p.logger.Warn("Cycle aborted", zap.String("user_id", userID), zap.String("reason", message), zap.Error(err))
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecomputeTotal.WithLabelValues("upstream_error").Inc()
	}
	if p.deps.Feed != nil {
		p.deps.Feed.PublishError(userID, message)
	}
}

// RefreshPrices quotes every held symbol plus the benchmark, pushes the
// ticks, and resubmits each snapshot whose prices moved. A user whose
// snapshot was replaced while the quotes were in flight is left alone.
func (p *Pipeline) RefreshPrices(ctx context.Context) error {
	if p.deps.Prices == nil {
		return nil
	}

	p.mu.Lock()
	snaps := make([]models.PositionSnapshot, 0, len(p.snapshots))
	quoted := make(map[string]uint64, len(p.snapshots))
	for userID, s := range p.snapshots {
		snaps = append(snaps, s.Clone())
		quoted[userID] = p.revisions[userID]
	}
	p.mu.Unlock()

	seen := map[string]bool{}
	var instruments []market.Instrument
	if p.opts.Benchmark != "" {
		seen[p.opts.Benchmark] = true
		instruments = append(instruments, market.Instrument{Symbol: p.opts.Benchmark, AssetClass: models.AssetEquity})
	}
	for _, s := range snaps {
		for _, pos := range s.Positions {
			if !seen[pos.Symbol] {
				seen[pos.Symbol] = true
				instruments = append(instruments, market.Instrument{Symbol: pos.Symbol, AssetClass: pos.AssetClass})
			}
		}
	}

	prices, err := p.deps.Prices.Refresh(ctx, instruments)
	if err != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.MarketRefreshErrors.Inc()
		}
		return fmt.Errorf("refresh prices: %w", err)
	}

	if price, ok := prices[p.opts.Benchmark]; ok {
		p.deps.History.SetBenchmark(price)
	}
	if p.deps.Feed != nil {
		for symbol, price := range prices {
			p.deps.Feed.PublishMarketData(symbol, price)
		}
	}

	now := p.opts.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, rev := range quoted {
		if p.revisions[userID] != rev {
			continue
		}
		s := p.snapshots[userID].Clone()
		changed := false
		for i, pos := range s.Positions {
			if price, ok := prices[pos.Symbol]; ok && price > 0 && price != pos.CurrentPrice {
				s.Positions[i].CurrentPrice = price
				changed = true
			}
		}
		if !changed {
			continue
		}
		s.AsOf = now
		if err := p.submitLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// StartPolling refreshes prices every interval until ctx is done.
func (p *Pipeline) StartPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.RefreshPrices(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Price refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReleaseSnoozed pushes notifications whose snooze has elapsed.
func (p *Pipeline) ReleaseSnoozed() int {
	if p.deps.Notifier == nil {
		return 0
	}
	released := p.deps.Notifier.ReleaseSnoozed(p.opts.Now())
	byUser := make(map[string][]*models.Notification)
	for _, n := range released {
		byUser[n.UserID] = append(byUser[n.UserID], n)
	}
	if p.deps.Feed != nil {
		for userID, notes := range byUser {
			p.deps.Feed.PublishUpdate(userID, nil, notes)
		}
	}
	return len(released)
}

func (p *Pipeline) StartReleasing(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReleaseSnoozed()
		}
	}
}

// Wait blocks until every queued snapshot has been processed.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops accepting snapshots, abandons queued ones, and waits for
// running cycles.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	return nil
}
