package alerts

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"riskpulse/internal/models"
)

func varThreshold() models.AlertThreshold {
	return models.AlertThreshold{
		ID:         "th-var",
		UserID:     "u1",
		MetricType: models.MetricValueAtRisk,
		Threshold:  5000,
		Condition:  models.ConditionAbove,
		Enabled:    true,
		Frequency:  models.Frequency{Type: models.FrequencyImmediate},
	}
}

func metricsWithVaR(v float64) *models.RiskMetrics {
	return &models.RiskMetrics{UserID: "u1", ValueAtRisk: v}
}

func TestEvaluate_EdgeTriggered(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	thresholds := []models.AlertThreshold{varThreshold()}
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	var prev *models.RiskMetrics
	var firedAt []int
	for i, v := range []float64{4000, 6000, 6000, 4000, 6000} {
		next := metricsWithVaR(v)
		if got := e.Evaluate(prev, next, thresholds, now); len(got) > 0 {
			require.Len(t, got, 1)
			firedAt = append(firedAt, i)
		}
		prev = next
	}

	assert.Equal(t, []int{1, 4}, firedAt)
}

func TestEvaluate_BelowCondition(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := models.AlertThreshold{
		ID: "th-dd", UserID: "u1", MetricType: models.MetricPortfolioDrawdown,
		Threshold: -5, Condition: models.ConditionBelow, Enabled: true,
	}

	got := e.Evaluate(&models.RiskMetrics{Drawdown: -3}, &models.RiskMetrics{Drawdown: -7}, []models.AlertThreshold{th}, time.Now())

	require.Len(t, got, 1)
	assert.Equal(t, -7.0, got[0].Value)
	require.NotNil(t, got[0].Previous)
	assert.Equal(t, -3.0, *got[0].Previous)
}

func TestEvaluate_FirstObservationPastThreshold(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))

	got := e.Evaluate(nil, metricsWithVaR(9000), []models.AlertThreshold{varThreshold()}, time.Now())

	require.Len(t, got, 1)
	assert.Nil(t, got[0].Previous)
}

func TestEvaluate_SkipsDisabledAndInvalid(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	disabled := varThreshold()
	disabled.Enabled = false
	unknown := varThreshold()
	unknown.ID = "th-unknown"
	unknown.MetricType = "liquidityScore"
	nan := varThreshold()
	nan.ID = "th-nan"
	nan.Threshold = math.NaN()
	badCond := varThreshold()
	badCond.ID = "th-cond"
	badCond.Condition = "sideways"
	good := varThreshold()
	good.ID = "th-good"

	got := e.Evaluate(metricsWithVaR(1000), metricsWithVaR(7000),
		[]models.AlertThreshold{disabled, unknown, nan, badCond, good}, time.Now())

	require.Len(t, got, 1)
	assert.Equal(t, "th-good", got[0].Threshold.ID)
}

func TestEvaluate_UndefinedMetricDoesNotFire(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := models.AlertThreshold{
		ID: "th-vol", UserID: "u1", MetricType: models.MetricVolatility,
		Threshold: 0.2, Condition: models.ConditionAbove, Enabled: true,
	}
	vol := 0.35

	assert.Empty(t, e.Evaluate(nil, &models.RiskMetrics{}, []models.AlertThreshold{th}, time.Now()))
	assert.Len(t, e.Evaluate(&models.RiskMetrics{}, &models.RiskMetrics{Volatility: &vol}, []models.AlertThreshold{th}, time.Now()), 1)
}

func TestEvaluate_DailyFiresOncePerPeriod(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := varThreshold()
	th.Frequency = models.Frequency{Type: models.FrequencyDaily, Time: "09:00"}
	list := []models.AlertThreshold{th}
	high := metricsWithVaR(8000)

	before := time.Date(2024, 3, 4, 8, 59, 0, 0, time.UTC)
	assert.Empty(t, e.Evaluate(high, high, list, before), "not due before the slot")

	at := time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC)
	assert.Len(t, e.Evaluate(high, high, list, at), 1)
	assert.Empty(t, e.Evaluate(high, high, list, at.Add(2*time.Hour)), "already fired today")

	nextDay := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Len(t, e.Evaluate(high, high, list, nextDay), 1)
}

func TestEvaluate_DailyConditionNotMet(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := varThreshold()
	th.Frequency = models.Frequency{Type: models.FrequencyDaily, Time: "09:00"}
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	assert.Empty(t, e.Evaluate(nil, metricsWithVaR(100), []models.AlertThreshold{th}, at))
	assert.Len(t, e.Evaluate(nil, metricsWithVaR(9000), []models.AlertThreshold{th}, at.Add(time.Minute)), 1)
}

func TestEvaluate_SwitchFromImmediateToDaily(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := varThreshold()
	morning := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	require.Len(t, e.Evaluate(metricsWithVaR(4000), metricsWithVaR(8000), []models.AlertThreshold{th}, morning), 1)

	th.Frequency = models.Frequency{Type: models.FrequencyDaily, Time: "09:00"}
	high := metricsWithVaR(8000)
	got := e.Evaluate(high, high, []models.AlertThreshold{th}, morning.Add(time.Hour))

	assert.Len(t, got, 1, "an immediate firing does not use up the daily slot")
}

func TestEvaluate_Weekly(t *testing.T) {
	e := NewEvaluator(zaptest.NewLogger(t))
	th := varThreshold()
	th.Frequency = models.Frequency{Type: models.FrequencyWeekly, Time: "08:00", Days: []string{"monday"}}
	list := []models.AlertThreshold{th}
	high := metricsWithVaR(8000)

	// 2024-03-03 is a Sunday: the Monday slot of this week has not come yet
	sunday := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	assert.Empty(t, e.Evaluate(high, high, list, sunday))

	monday := time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
	assert.Len(t, e.Evaluate(high, high, list, monday), 1)

	wednesday := time.Date(2024, 3, 6, 8, 30, 0, 0, time.UTC)
	assert.Empty(t, e.Evaluate(high, high, list, wednesday))

	nextMonday := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	assert.Len(t, e.Evaluate(high, high, list, nextMonday), 1)
}

func TestLastSlot_NoTimeMeansMidnight(t *testing.T) {
	slot, ok := lastSlot(models.Frequency{Type: models.FrequencyDaily}, time.Date(2024, 3, 4, 0, 0, 1, 0, time.UTC))

	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), slot)
}
