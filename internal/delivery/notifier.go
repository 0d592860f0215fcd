// Package delivery posts funnel transition events to the downstream workflow
// engine. Delivery is at-least-once: failures are retried with linear backoff
// through the scheduler and dead-lettered once the budget is exhausted.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wa-funnel/internal/metrics"
	"wa-funnel/internal/repo"
	"wa-funnel/internal/scheduler"
)

// Workflow event types.
const (
	EventSaleApproved   = "sale_approved"
	EventPaymentTimeout = "payment_timeout"
	EventConverted      = "converted"
)

// StepEventType returns the event type for a funnel step (step1..step3).
func StepEventType(step int) string {
	return fmt.Sprintf("step%d", step)
}

// Event is the structured payload posted to the workflow engine.
type Event struct {
	EventType    string    `json:"eventType"`
	Product      string    `json:"product"`
	Channel      string    `json:"channel"`
	Phone        string    `json:"phone"`
	CustomerName string    `json:"customerName,omitempty"`
	OrderCode    string    `json:"orderCode"`
	Amount       int64     `json:"amount"`
	Step         int       `json:"step,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the audit surface the notifier writes to.
type Store interface {
	InsertStepRecord(ctx context.Context, rec repo.StepRecord) error
}

// Sched is the retry surface backed by the scheduler.
type Sched interface {
	Arm(ctx context.Context, req scheduler.ArmRequest) (*repo.ScheduledEvent, error)
	Reschedule(ctx context.Context, ev repo.ScheduledEvent, cause string, delay time.Duration) (int, error)
	RecordFailure(ctx context.Context, id, cause string) (int, error)
}

// Config holds notifier configuration.
type Config struct {
	WebhookURL  string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// Notifier delivers workflow events with bounded retries.
type Notifier struct {
	cfg     Config
	store   Store
	sched   Sched
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a notifier.
func New(cfg Config, store Store, sched Sched, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	return &Notifier{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "delivery"),
		metrics: m,
	}
}

// Deliver posts the event to the workflow engine. On failure a retry is
// scheduled and false is returned; the caller's state is never rolled back.
func (n *Notifier) Deliver(ctx context.Context, ev Event, conversationID string) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := n.post(ctx, ev); err != nil {
		n.recordFailure(ctx, ev, conversationID, 1, err)
		if _, armErr := n.sched.Arm(ctx, scheduler.ArmRequest{
			Kind:           repo.KindDeliveryRetry,
			OrderCode:      ev.OrderCode,
			ConversationID: conversationID,
			Payload:        eventPayload(ev),
			Delay:          n.cfg.BaseDelay,
			Attempts:       1,
			MaxAttempts:    n.cfg.MaxAttempts,
		}); armErr != nil {
			n.logger.Error("failed scheduling delivery retry", "order", ev.OrderCode, "event", ev.EventType, "error", armErr)
			if n.metrics != nil {
				n.metrics.Errors.WithLabelValues("delivery").Inc()
			}
		}
		return false
	}

	n.recordSuccess(ctx, ev, conversationID)
	return true
}

// HandleRetry executes one delivery_retry scheduled event. A nil return lets
// the scheduler mark the row processed; on failure the notifier reschedules
// or dead-letters the row itself before returning the error.
func (n *Notifier) HandleRetry(ctx context.Context, sev repo.ScheduledEvent) error {
	ev, err := eventFromPayload(sev.Payload)
	if err != nil {
		if _, ferr := n.sched.RecordFailure(ctx, sev.ID, err.Error()); ferr != nil {
			n.logger.Error("failed recording payload error", "event_id", sev.ID, "error", ferr)
		}
		return fmt.Errorf("decode retry payload: %w", err)
	}

	if err := n.post(ctx, ev); err != nil {
		attempt := sev.Attempts + 1
		n.recordFailure(ctx, ev, sev.ConversationID, attempt, err)
		if attempt < sev.MaxAttempts {
			delay := time.Duration(attempt) * n.cfg.BaseDelay
			if _, rerr := n.sched.Reschedule(ctx, sev, err.Error(), delay); rerr != nil {
				n.logger.Error("failed rescheduling delivery", "event_id", sev.ID, "error", rerr)
			}
		} else {
			if _, ferr := n.sched.RecordFailure(ctx, sev.ID, err.Error()); ferr != nil {
				n.logger.Error("failed dead-lettering delivery", "event_id", sev.ID, "error", ferr)
			}
			n.logger.Warn("delivery dead-lettered", "event_id", sev.ID, "order", ev.OrderCode, "event", ev.EventType)
		}
		return fmt.Errorf("deliver %s for %s (attempt %d): %w", ev.EventType, ev.OrderCode, attempt, err)
	}

	n.recordSuccess(ctx, ev, sev.ConversationID)
	return nil
}

func (n *Notifier) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	status := "ok"
	if err == nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("workflow engine returned %s", resp.Status)
		}
	}
	if err != nil {
		status = "error"
	}
	if n.metrics != nil {
		n.metrics.Deliveries.WithLabelValues(ev.EventType, status).Inc()
		n.metrics.DeliveryLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("post workflow event: %w", err)
	}
	return nil
}

// recordSuccess writes the confirmed-sent marker. For step events the step
// number is set here, atomically with the outbound call result, so the engine
// can derive the next step from the log after a restart.
func (n *Notifier) recordSuccess(ctx context.Context, ev Event, conversationID string) {
	rec := repo.StepRecord{
		ConversationID: conversationID,
		Direction:      repo.DirectionOutbound,
		Content:        ev.EventType,
	}
	if ev.Step > 0 {
		step := ev.Step
		rec.StepNumber = &step
	}
	if err := n.store.InsertStepRecord(ctx, rec); err != nil {
		n.logger.Error("failed recording delivery", "order", ev.OrderCode, "event", ev.EventType, "error", err)
		if n.metrics != nil {
			n.metrics.Errors.WithLabelValues("delivery").Inc()
		}
	}
}

func (n *Notifier) recordFailure(ctx context.Context, ev Event, conversationID string, attempt int, cause error) {
	n.logger.Warn("workflow delivery failed", "order", ev.OrderCode, "event", ev.EventType, "attempt", attempt, "error", cause)
	rec := repo.StepRecord{
		ConversationID: conversationID,
		Direction:      repo.DirectionSystem,
		Content:        fmt.Sprintf("delivery of %s failed (attempt %d): %v", ev.EventType, attempt, cause),
	}
	if err := n.store.InsertStepRecord(ctx, rec); err != nil {
		n.logger.Error("failed recording delivery failure", "order", ev.OrderCode, "error", err)
	}
}

func eventPayload(ev Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func eventFromPayload(payload map[string]any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("payload missing eventType")
	}
	return ev, nil
}
