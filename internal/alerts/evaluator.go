// Package alerts decides which user thresholds a metrics update crosses.
package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskpulse/internal/models"
)

// ThresholdSource is the read side of user alert configuration.
type ThresholdSource interface {
	Thresholds(ctx context.Context, userID string) ([]models.AlertThreshold, error)
}

// Crossing is a threshold that fired on this evaluation.
type Crossing struct {
	Threshold models.AlertThreshold
	Value     float64
	Previous  *float64
	At        time.Time
}

// Evaluator is edge-triggered for immediate thresholds and schedule-driven
// for daily and weekly ones. It remembers when each scheduled threshold
// last fired.
type Evaluator struct {
	logger *zap.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger, lastFired: make(map[string]time.Time)}
}

// Evaluate returns the thresholds crossed by the move from prev to next.
// prev may be nil on the first cycle for a user.
func (e *Evaluator) Evaluate(prev, next *models.RiskMetrics, thresholds []models.AlertThreshold, now time.Time) []Crossing {
	var out []Crossing
	for _, th := range thresholds {
		if !th.Enabled {
			continue
		}
		if err := th.Validate(); err != nil {
			e.logger.Warn("Skipping invalid threshold", zap.String("threshold_id", th.ID), zap.Error(err))
			continue
		}
		value, known, ok := th.MetricType.Value(next)
		if !known {
			e.logger.Warn("Skipping threshold with unknown metric type",
				zap.String("threshold_id", th.ID),
				zap.String("metric_type", string(th.MetricType)))
			continue
		}
		if !ok {
			continue
		}

		var fired bool
		var previous *float64
		if pv, _, pok := th.MetricType.Value(prev); pok {
			previous = &pv
		}

		switch th.Frequency.Type {
		case models.FrequencyDaily, models.FrequencyWeekly:
			fired = e.scheduled(th, value, now)
		default:
			fired = th.Condition.Satisfied(value, th.Threshold) &&
				(previous == nil || !th.Condition.Satisfied(*previous, th.Threshold))
		}

		if fired {
			out = append(out, Crossing{Threshold: th, Value: value, Previous: previous, At: now})
		}
	}
	return out
}

// scheduled fires once per period, at the first evaluation after the
// configured slot, if the condition holds at that moment.
func (e *Evaluator) scheduled(th models.AlertThreshold, value float64, now time.Time) bool {
	slot, ok := lastSlot(th.Frequency, now)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, seen := e.lastFired[th.ID]; seen && !last.Before(slot) {
		return false
	}
	if !th.Condition.Satisfied(value, th.Threshold) {
		return false
	}
	e.lastFired[th.ID] = now
	return true
}

// lastSlot returns the most recent scheduled slot at or before now, within
// the current period (day for daily, week for weekly). ok is false when no
// slot has been reached yet in the period.
func lastSlot(f models.Frequency, now time.Time) (time.Time, bool) {
	now = now.UTC()
	var offset time.Duration
	if f.Time != "" {
		d, err := models.ParseClock(f.Time)
		if err != nil {
			return time.Time{}, false
		}
		offset = d
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch f.Type {
	case models.FrequencyDaily:
		slot := midnight.Add(offset)
		return slot, !now.Before(slot)
	case models.FrequencyWeekly:
		// walk back through the current week (Sunday first) to the latest
		// configured day whose slot has passed
		for back := 0; back <= int(now.Weekday()); back++ {
			day := midnight.AddDate(0, 0, -back)
			for _, name := range f.Days {
				wd, ok := models.ParseWeekday(name)
				if !ok || wd != day.Weekday() {
					continue
				}
				if slot := day.Add(offset); !now.Before(slot) {
					return slot, true
				}
			}
		}
	}
	return time.Time{}, false
}
