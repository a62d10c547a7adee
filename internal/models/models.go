package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
	AssetBond   AssetClass = "bond"
	AssetCash   AssetClass = "cash"
	AssetOther  AssetClass = "other"
)

type Position struct {
	Symbol       string     `json:"symbol" validate:"required"`
	Quantity     float64    `json:"quantity"`
	AverageCost  float64    `json:"averageCost" validate:"gte=0"`
	CurrentPrice float64    `json:"currentPrice" validate:"gte=0"`
	Sector       string     `json:"sector"`
	AssetClass   AssetClass `json:"assetClass"`
}

type Margin struct {
	Available   float64 `json:"available" validate:"gte=0"`
	Used        float64 `json:"used" validate:"gte=0"`
	Maintenance float64 `json:"maintenance" validate:"gte=0"`
}

// PositionSnapshot is the full per-user position state at a point in time.
// It is replaced wholesale on every update and holds at most one position
// per symbol.
type PositionSnapshot struct {
	UserID    string     `json:"userId" validate:"required"`
	Positions []Position `json:"positions" validate:"unique=Symbol,dive"`
	Margin    Margin     `json:"margin"`
	AsOf      time.Time  `json:"asOf"`
}

// Clone returns a deep copy so the caller can hand it to another goroutine.
func (s PositionSnapshot) Clone() PositionSnapshot {
	out := s
	out.Positions = make([]Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

func (s PositionSnapshot) Symbols() []string {
	out := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p.Symbol)
	}
	return out
}

type StressResult struct {
	Scenario      string  `json:"scenario"`
	Impact        float64 `json:"impact"`
	ImpactPercent float64 `json:"impactPercent"`
}

type Allocation struct {
	BySector     map[string]float64 `json:"bySector"`
	ByAssetClass map[string]float64 `json:"byAssetClass"`
	BySymbol     map[string]float64 `json:"bySymbol"`
}

// RiskMetrics is computed fresh on every cycle and never mutated after
// publication. Nil pointer fields mean there was not enough data.
type RiskMetrics struct {
	UserID                string                        `json:"userId"`
	ComputedAt            time.Time                     `json:"computedAt"`
	TotalValue            float64                       `json:"totalValue"`
	ValueAtRisk           float64                       `json:"valueAtRisk"`
	VaRPercentage         float64                       `json:"varPercentage"`
	ConfidenceLevel       float64                       `json:"confidenceLevel"`
	SharpeRatio           float64                       `json:"sharpeRatio"`
	SortinoRatio          float64                       `json:"sortinoRatio"`
	Beta                  *float64                      `json:"beta,omitempty"`
	Volatility            *float64                      `json:"volatility,omitempty"`
	Drawdown              float64                       `json:"drawdown"`
	MaxDrawdown           float64                       `json:"maxDrawdown"`
	Skewness              float64                       `json:"skewness"`
	Kurtosis              float64                       `json:"kurtosis"`
	MarginUtilization     float64                       `json:"marginUtilization"`
	PositionConcentration float64                       `json:"positionConcentration"`
	Allocation            Allocation                    `json:"allocation"`
	CorrelationMatrix     map[string]map[string]float64 `json:"correlationMatrix"`
	StressTestResults     []StressResult                `json:"stressTestResults"`
}

type MetricType string

const (
	MetricValueAtRisk           MetricType = "valueAtRisk"
	MetricPortfolioDrawdown     MetricType = "portfolioDrawdown"
	MetricMarginUtilization     MetricType = "marginUtilization"
	MetricPositionConcentration MetricType = "positionConcentration"
	MetricVolatility            MetricType = "volatility"
	MetricSharpeRatio           MetricType = "sharpeRatio"
	MetricBeta                  MetricType = "beta"
)

// Value reads the metric from m. ok is false for unknown metric types and
// for metrics that are undefined in m.
func (t MetricType) Value(m *RiskMetrics) (v float64, known bool, ok bool) {
	if m == nil {
		return 0, t.Valid(), false
	}
	switch t {
	case MetricValueAtRisk:
		return m.ValueAtRisk, true, true
	case MetricPortfolioDrawdown:
		return m.Drawdown, true, true
	case MetricMarginUtilization:
		return m.MarginUtilization, true, true
	case MetricPositionConcentration:
		return m.PositionConcentration, true, true
	case MetricSharpeRatio:
		return m.SharpeRatio, true, true
	case MetricVolatility:
		if m.Volatility == nil {
			return 0, true, false
		}
		return *m.Volatility, true, true
	case MetricBeta:
		if m.Beta == nil {
			return 0, true, false
		}
		return *m.Beta, true, true
	}
	return 0, false, false
}

func (t MetricType) Valid() bool {
	switch t {
	case MetricValueAtRisk, MetricPortfolioDrawdown, MetricMarginUtilization,
		MetricPositionConcentration, MetricVolatility, MetricSharpeRatio, MetricBeta:
		return true
	}
	return false
}

type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// Satisfied reports whether value is past threshold in the direction of c.
func (c Condition) Satisfied(value, threshold float64) bool {
	switch c {
	case ConditionAbove:
		return value > threshold
	case ConditionBelow:
		return value < threshold
	}
	return false
}

func (c Condition) Valid() bool {
	return c == ConditionAbove || c == ConditionBelow
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Condition(s)
	if !v.Valid() {
		return fmt.Errorf("condition must be above or below, got %q", s)
	}
	*c = v
	return nil
}

type FrequencyType string

const (
	FrequencyImmediate FrequencyType = "immediate"
	FrequencyDaily     FrequencyType = "daily"
	FrequencyWeekly    FrequencyType = "weekly"
)

func (f FrequencyType) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

type Frequency struct {
	Type FrequencyType `json:"type"`
	Time string        `json:"time,omitempty"` // HH:MM, UTC
	Days []string      `json:"days,omitempty"` // weekday names, weekly only
}

// ChannelSet is the canonical per-threshold delivery preference.
type ChannelSet struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Push  bool `json:"push"`
	InApp bool `json:"inApp"`
}

type AlertThreshold struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	PortfolioID          string     `json:"portfolioId"`
	MetricType           MetricType `json:"metricType"`
	Threshold            float64    `json:"threshold"`
	Condition            Condition  `json:"condition"`
	Enabled              bool       `json:"enabled"`
	NotificationChannels ChannelSet `json:"notificationChannels"`
	Frequency            Frequency  `json:"frequency"`
}

func (a AlertThreshold) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("threshold id is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("threshold %s: userId is required", a.ID)
	}
	if math.IsNaN(a.Threshold) || math.IsInf(a.Threshold, 0) {
		return fmt.Errorf("threshold %s: value must be finite", a.ID)
	}
	if !a.Condition.Valid() {
		return fmt.Errorf("threshold %s: unknown condition %q", a.ID, a.Condition)
	}
	freq := a.Frequency.Type
	if freq == "" {
		freq = FrequencyImmediate
	}
	if !freq.Valid() {
		return fmt.Errorf("threshold %s: unknown frequency %q", a.ID, a.Frequency.Type)
	}
	if a.Frequency.Time != "" {
		if _, err := ParseClock(a.Frequency.Time); err != nil {
			return fmt.Errorf("threshold %s: %w", a.ID, err)
		}
	}
	for _, d := range a.Frequency.Days {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("threshold %s: unknown weekday %q", a.ID, d)
		}
	}
	if freq == FrequencyWeekly && len(a.Frequency.Days) == 0 {
		return fmt.Errorf("threshold %s: weekly frequency needs at least one day", a.ID)
	}
	return nil
}

// ParseClock parses an HH:MM time of day into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func ParseWeekday(s string) (time.Weekday, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, true
		}
	}
	return 0, false
}

type NotificationType string

const (
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
	NotificationSuccess NotificationType = "success"
	NotificationInfo    NotificationType = "info"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationError, NotificationWarning, NotificationSuccess, NotificationInfo:
		return true
	}
	return false
}

func (t *NotificationType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := NotificationType(s)
	if !v.Valid() {
		return fmt.Errorf("unknown notification type %q", s)
	}
	*t = v
	return nil
}

type Notification struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	Type         NotificationType `json:"type"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"createdAt"`
	SnoozedUntil *time.Time       `json:"snoozedUntil,omitempty"`
	ThresholdID  string           `json:"thresholdId,omitempty"`
	PortfolioID  string           `json:"portfolioId,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// Visible reports whether n may be shown or delivered at now. Only an
// unexpired snooze hides it.
func (n *Notification) Visible(now time.Time) bool {
	return n.SnoozedUntil == nil || !now.Before(*n.SnoozedUntil)
}

// Copy returns a value safe to hand to other goroutines.
func (n *Notification) Copy() *Notification {
	out := *n
	if n.SnoozedUntil != nil {
		t := *n.SnoozedUntil
		out.SnoozedUntil = &t
	}
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
