// Package notify turns threshold crossings and system events into user
// notifications and fans them out to the delivery channels.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"riskpulse/internal/alerts"
	"riskpulse/internal/models"
	"riskpulse/internal/telemetry"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inApp"
)

type Senders struct {
	Email Sender
	SMS   Sender
	Push  Sender
}

// InAppPublisher receives notifications raised outside the regular update
// cycle (degraded delivery notices).
type InAppPublisher interface {
	PublishNotification(userID string, n *models.Notification)
}

type Options struct {
	RateLimit      int           // notifications per user per RatePer
	RatePer        time.Duration // refill window
	TTL            time.Duration // lifetime of an active notification
	SendTimeout    time.Duration
	ReportDegraded bool
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		RateLimit:      10,
		RatePer:        time.Minute,
		TTL:            24 * time.Hour,
		SendTimeout:    15 * time.Second,
		ReportDegraded: true,
	}
}

// Event is a notification raised by the system rather than by a threshold.
type Event struct {
	Type     models.NotificationType `json:"type" validate:"required,oneof=error warning success info"`
	Title    string                  `json:"title" validate:"required"`
	Message  string                  `json:"message" validate:"required"`
	Channels models.ChannelSet       `json:"channels"`
	Metadata map[string]any          `json:"metadata,omitempty"`
}

// Result describes what Dispatch did. Notification is a private copy.
// Live is true when the notification should be pushed to connected
// clients now.
type Result struct {
	Notification *models.Notification
	Created      bool
	Suppressed   bool
	Live         bool
}

const (
	refSuppressed = "suppressed"
)

type dedupKey struct {
	userID string
	ref    string
}

type entry struct {
	n   *models.Notification
	key dedupKey
}

type Dispatcher struct {
	logger    *zap.Logger
	senders   Senders
	publisher InAppPublisher
	metrics   *telemetry.Metrics
	opts      Options
	limiter   *limiter

	mu         sync.Mutex
	byID       map[string]*entry
	byKey      map[dedupKey]*entry
	suppressed map[string]int
	closed     bool

	wg sync.WaitGroup
}

func NewDispatcher(senders Senders, publisher InAppPublisher, metrics *telemetry.Metrics, opts Options, logger *zap.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.RateLimit <= 0 {
		opts.RateLimit = def.RateLimit
	}
	if opts.RatePer <= 0 {
		opts.RatePer = def.RatePer
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		logger:     logger,
		senders:    senders,
		publisher:  publisher,
		metrics:    metrics,
		opts:       opts,
		limiter:    newLimiter(opts.RateLimit, opts.RatePer),
		byID:       make(map[string]*entry),
		byKey:      make(map[dedupKey]*entry),
		suppressed: make(map[string]int),
	}
}

// ShouldDisplay reports whether n may be rendered or delivered at now.
func ShouldDisplay(n *models.Notification, now time.Time) bool {
	return n.Visible(now)
}

// Dispatch records the crossing as a notification and starts delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, c alerts.Crossing) Result {
	th := c.Threshold
	title, message := describe(c)
	n := &models.Notification{
		UserID:      th.UserID,
		Type:        severity(th.MetricType),
		Title:       title,
		Message:     message,
		ThresholdID: th.ID,
		PortfolioID: th.PortfolioID,
		Metadata: map[string]any{
			"metricType": string(th.MetricType),
			"value":      c.Value,
			"threshold":  th.Threshold,
			"condition":  string(th.Condition),
		},
	}
	return d.dispatch(ctx, dedupKey{userID: th.UserID, ref: "threshold:" + th.ID}, n, th.NotificationChannels)
}

// Notify raises a system event for userID. Events are not deduplicated.
func (d *Dispatcher) Notify(ctx context.Context, userID string, ev Event) Result {
	n := &models.Notification{
		UserID:   userID,
		Type:     ev.Type,
		Title:    ev.Title,
		Message:  ev.Message,
		Metadata: ev.Metadata,
	}
	return d.dispatch(ctx, dedupKey{}, n, ev.Channels)
}

func (d *Dispatcher) dispatch(_ context.Context, key dedupKey, n *models.Notification, channels models.ChannelSet) Result {
	now := d.opts.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("Dropping notification, dispatcher closed", zap.String("user_id", n.UserID))
		return Result{}
	}
	d.purgeLocked(now)

	if key.ref != "" {
		if e, ok := d.byKey[key]; ok {
			e.n.CreatedAt = now
			e.n.Message = n.Message
			e.n.Metadata = n.Metadata
			out := e.n.Copy()
			d.mu.Unlock()
			d.count("updated")
			return Result{Notification: out, Live: channels.InApp && ShouldDisplay(out, now)}
		}
	}

	if !d.limiter.take(n.UserID, now) {
		res := d.suppressLocked(n.UserID, now)
		d.mu.Unlock()
		d.count("suppressed")
		return res
	}

	n.ID = uuid.NewString()
	n.CreatedAt = now
	d.storeLocked(key, n)
	out := n.Copy()
	// spawned under the lock so Close cannot miss a delivery
	d.deliver(n.Copy(), channels)
	d.mu.Unlock()

	d.count("created")
	return Result{Notification: out, Created: true, Live: channels.InApp}
}

// suppressLocked folds a rate-limited notification into the user's single
// summary notification. The summary is in-app only.
func (d *Dispatcher) suppressLocked(userID string, now time.Time) Result {
	d.suppressed[userID]++
	count := d.suppressed[userID]
	key := dedupKey{userID: userID, ref: refSuppressed}
	msg := fmt.Sprintf("%d alerts suppressed", count)

	if e, ok := d.byKey[key]; ok {
		e.n.CreatedAt = now
		e.n.Message = msg
		e.n.Metadata = map[string]any{"suppressed": count}
		out := e.n.Copy()
		return Result{Notification: out, Suppressed: true, Live: ShouldDisplay(out, now)}
	}

	n := &models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      models.NotificationWarning,
		Title:     "Alert volume limited",
		Message:   msg,
		CreatedAt: now,
		Metadata:  map[string]any{"suppressed": count},
	}
	d.storeLocked(key, n)
	return Result{Notification: n.Copy(), Created: true, Suppressed: true, Live: true}
}

func (d *Dispatcher) storeLocked(key dedupKey, n *models.Notification) {
	e := &entry{n: n, key: key}
	d.byID[n.ID] = e
	if key.ref != "" {
		d.byKey[key] = e
	}
}

func (d *Dispatcher) removeLocked(e *entry) {
	delete(d.byID, e.n.ID)
	if e.key.ref != "" {
		delete(d.byKey, e.key)
		if e.key.ref == refSuppressed {
			delete(d.suppressed, e.key.userID)
		}
	}
}

func (d *Dispatcher) purgeLocked(now time.Time) {
	for _, e := range d.byID {
		if now.Sub(e.n.CreatedAt) >= d.opts.TTL {
			d.removeLocked(e)
		}
	}
}

// deliver hands n to every enabled external channel. Each channel runs on
// its own goroutine; a failure is logged and never reaches the caller.
func (d *Dispatcher) deliver(n *models.Notification, channels models.ChannelSet) {
	targets := []struct {
		enabled bool
		channel Channel
		sender  Sender
	}{
		{channels.Email, ChannelEmail, d.senders.Email},
		{channels.SMS, ChannelSMS, d.senders.SMS},
		{channels.Push, ChannelPush, d.senders.Push},
	}
	for _, t := range targets {
		if !t.enabled {
			continue
		}
		if t.sender == nil {
			d.logger.Debug("No sender configured for channel", zap.String("channel", string(t.channel)))
			continue
		}
		d.wg.Add(1)
		go func(ch Channel, s Sender) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
			defer cancel()
			if err := s.Send(ctx, n.UserID, n); err != nil {
				d.logger.Error("Channel delivery failed",
					zap.String("channel", string(ch)),
					zap.String("user_id", n.UserID),
					zap.String("notification_id", n.ID),
					zap.Error(err))
				d.delivery(ch, "failed")
				d.reportDegraded(n, ch)
				return
			}
			d.delivery(ch, "ok")
		}(t.channel, t.sender)
	}
}

// reportDegraded raises an in-app warning about a failed external delivery.
func (d *Dispatcher) reportDegraded(failed *models.Notification, ch Channel) {
	if !d.opts.ReportDegraded {
		return
	}
	now := d.opts.Now()
	key := dedupKey{userID: failed.UserID, ref: "delivery:" + string(ch)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	publisher := d.publisher
	msg := fmt.Sprintf("We could not deliver %q via %s.", failed.Title, ch)
	var out *models.Notification
	if e, ok := d.byKey[key]; ok {
		e.n.CreatedAt = now
		e.n.Message = msg
		out = e.n.Copy()
	} else {
		n := &models.Notification{
			ID:        uuid.NewString(),
			UserID:    failed.UserID,
			Type:      models.NotificationWarning,
			Title:     "Notification delivery degraded",
			Message:   msg,
			CreatedAt: now,
			Metadata:  map[string]any{"channel": string(ch), "notificationId": failed.ID},
		}
		d.storeLocked(key, n)
		out = n.Copy()
	}
	d.mu.Unlock()

	if publisher != nil && ShouldDisplay(out, now) {
		publisher.PublishNotification(failed.UserID, out)
	}
}

// Snooze hides a notification for the given number of minutes.
func (d *Dispatcher) Snooze(userID, id string, minutes int) (*models.Notification, error) {
	if minutes <= 0 {
		return nil, ErrInvalidDuration
	}
	now := d.opts.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked(now)
	e, ok := d.byID[id]
	if !ok || e.n.UserID != userID {
		return nil, ErrNotFound
	}
	until := now.Add(time.Duration(minutes) * time.Minute)
	e.n.SnoozedUntil = &until
	return e.n.Copy(), nil
}

// Dismiss removes a notification from the active set.
func (d *Dispatcher) Dismiss(userID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byID[id]
	if !ok || e.n.UserID != userID {
		return ErrNotFound
	}
	d.removeLocked(e)
	return nil
}

// Active lists the user's displayable notifications, newest first.
func (d *Dispatcher) Active(userID string, now time.Time) []*models.Notification {
	d.mu.Lock()
	d.purgeLocked(now)
	out := make([]*models.Notification, 0)
	for _, e := range d.byID {
		if e.n.UserID == userID && ShouldDisplay(e.n, now) {
			out = append(out, e.n.Copy())
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ReleaseSnoozed clears elapsed snoozes and returns the notifications that
// became visible again. They are meant for in-app display only.
func (d *Dispatcher) ReleaseSnoozed(now time.Time) []*models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked(now)
	var out []*models.Notification
	for _, e := range d.byID {
		if e.n.SnoozedUntil != nil && !now.Before(*e.n.SnoozedUntil) {
			e.n.SnoozedUntil = nil
			out = append(out, e.n.Copy())
		}
	}
	return out
}

// Wait blocks until in-flight channel deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting notifications and waits for in-flight deliveries.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.NotificationsTotal.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) delivery(ch Channel, status string) {
	if d.metrics != nil {
		d.metrics.ChannelDeliveries.WithLabelValues(string(ch), status).Inc()
	}
}

var metricLabels = map[models.MetricType]string{
	models.MetricValueAtRisk:           "Value at Risk",
	models.MetricPortfolioDrawdown:     "Portfolio drawdown",
	models.MetricMarginUtilization:     "Margin utilization",
	models.MetricPositionConcentration: "Position concentration",
	models.MetricVolatility:            "Volatility",
	models.MetricSharpeRatio:           "Sharpe ratio",
	models.MetricBeta:                  "Beta",
}

func describe(c alerts.Crossing) (title, message string) {
	th := c.Threshold
	label, ok := metricLabels[th.MetricType]
	if !ok {
		label = string(th.MetricType)
	}
	title = fmt.Sprintf("%s %s %g", label, th.Condition, th.Threshold)
	message = fmt.Sprintf("%s is now %.4g, %s your threshold of %g.", label, c.Value, th.Condition, th.Threshold)
	return title, message
}

func severity(t models.MetricType) models.NotificationType {
	switch t {
	case models.MetricPortfolioDrawdown, models.MetricMarginUtilization:
		return models.NotificationError
	}
	return models.NotificationWarning
}
