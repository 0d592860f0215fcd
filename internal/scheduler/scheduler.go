// Package scheduler owns durable timers. Every timer is a scheduled_events
// row plus an optional in-memory handle; the row is authoritative. Recovery
// at boot and a periodic sweep both read from the rows, so a timer lost to a
// crash still fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wa-funnel/internal/metrics"
	"wa-funnel/internal/repo"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	InsertScheduledEvent(ctx context.Context, ev repo.ScheduledEvent) (*repo.ScheduledEvent, error)
	GetScheduledEvent(ctx context.Context, id string) (*repo.ScheduledEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
	FailEvent(ctx context.Context, id, lastError string, nextAttempt *time.Time) (int, error)
	CancelEventsForOrder(ctx context.Context, orderCode, kind string) (int64, error)
	ListDueEvents(ctx context.Context, until time.Time) ([]repo.ScheduledEvent, error)
	QueueHealth(ctx context.Context) (*repo.QueueHealth, error)
}

// Handler executes one scheduled event. A nil return marks the row processed;
// on error the handler owns any retry bookkeeping (the scheduler does not
// retry on its own).
type Handler func(ctx context.Context, ev repo.ScheduledEvent) error

// ArmRequest describes a timer to persist and arm.
type ArmRequest struct {
	Kind           string
	OrderCode      string
	ConversationID string
	Payload        map[string]any
	Delay          time.Duration
	Attempts       int
	MaxAttempts    int
}

// Config tunes the sweep and recovery windows.
type Config struct {
	SweepInterval  time.Duration
	RecoveryWindow time.Duration
}

type timerEntry struct {
	eventID string
	timer   *time.Timer
}

// Scheduler pairs persisted scheduled events with in-memory timers.
type Scheduler struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	timers   map[string]*timerEntry // keyed by kind|orderCode
	ids      map[string]string      // event id -> timer key
	handlers map[string]Handler

	runCtx context.Context
}

// New creates a scheduler. Register handlers before calling Start.
func New(store Store, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 24 * time.Hour
	}
	return &Scheduler{
		store:    store,
		logger:   logger.With("component", "scheduler"),
		metrics:  m,
		cfg:      cfg,
		timers:   map[string]*timerEntry{},
		ids:      map[string]string{},
		handlers: map[string]Handler{},
		runCtx:   context.Background(),
	}
}

// Register installs the handler for an event kind.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start recovers pending work and begins the background sweep. It returns
// after recovery; the sweep runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx = ctx
	if err := s.recoverOnStartup(ctx); err != nil {
		return err
	}
	go s.sweepLoop(ctx)
	return nil
}

// Stop cancels all in-memory timers. Persisted rows are untouched and will be
// recovered on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
		delete(s.ids, entry.eventID)
	}
}

// Arm persists a scheduled event and arms an in-memory timer for it. An
// existing timer for the same (kind, orderCode) is replaced.
func (s *Scheduler) Arm(ctx context.Context, req ArmRequest) (*repo.ScheduledEvent, error) {
	ev, err := s.store.InsertScheduledEvent(ctx, repo.ScheduledEvent{
		Kind:           req.Kind,
		OrderCode:      req.OrderCode,
		ConversationID: req.ConversationID,
		Payload:        req.Payload,
		ScheduledFor:   time.Now().Add(req.Delay),
		Attempts:       req.Attempts,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("arm %s for %s: %w", req.Kind, req.OrderCode, err)
	}
	s.armTimer(*ev)
	return ev, nil
}

// Cancel stops in-memory timers for the order and marks its unprocessed rows
// processed without executing their payloads. Without kinds it cancels
// everything for the order. Already-dispatched executions are not retracted.
func (s *Scheduler) Cancel(ctx context.Context, orderCode string, kinds ...string) error {
	if len(kinds) == 0 {
		kinds = []string{""}
	}
	for _, kind := range kinds {
		if _, err := s.store.CancelEventsForOrder(ctx, orderCode, kind); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		if !timerKeyMatches(key, orderCode, kinds) {
			continue
		}
		entry.timer.Stop()
		delete(s.timers, key)
		delete(s.ids, entry.eventID)
	}
	return nil
}

// Reschedule records a failed attempt and re-arms the row to fire after
// delay. Returns the new attempt count.
func (s *Scheduler) Reschedule(ctx context.Context, ev repo.ScheduledEvent, cause string, delay time.Duration) (int, error) {
	next := time.Now().Add(delay)
	attempts, err := s.store.FailEvent(ctx, ev.ID, cause, &next)
	if err != nil {
		return 0, err
	}
	ev.Attempts = attempts
	ev.ScheduledFor = next
	s.armTimer(ev)
	return attempts, nil
}

// RecordFailure records a failed attempt without rescheduling. Once attempts
// reach max_attempts the row is a dead letter awaiting manual replay.
func (s *Scheduler) RecordFailure(ctx context.Context, id, cause string) (int, error) {
	return s.store.FailEvent(ctx, id, cause, nil)
}

// ExecuteNow runs a single event immediately, bypassing its schedule and
// retry budget. Used for manual replay of dead letters.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) error {
	ev, err := s.store.GetScheduledEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Processed {
		return fmt.Errorf("event %s already processed", id)
	}
	return s.dispatch(ctx, *ev)
}

func (s *Scheduler) recoverOnStartup(ctx context.Context) error {
	events, err := s.store.ListDueEvents(ctx, time.Now().Add(s.cfg.RecoveryWindow))
	if err != nil {
		return fmt.Errorf("recover scheduled events: %w", err)
	}
	for _, ev := range events {
		s.armTimer(ev)
	}
	if len(events) > 0 {
		s.logger.Info("recovered scheduled events", "count", len(events))
	}
	return nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep executes due rows that lost their in-memory timer, e.g. after a timer
// was replaced or the arming process crashed mid-flight.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDueEvents(ctx, time.Now())
	if err != nil {
		s.logger.Error("sweep failed listing due events", "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("scheduler").Inc()
		}
		return
	}
	for _, ev := range due {
		s.mu.Lock()
		_, covered := s.ids[ev.ID]
		s.mu.Unlock()
		if covered {
			continue
		}
		go s.execute(ctx, ev.ID)
	}
	s.updateQueueGauges(ctx)
}

func (s *Scheduler) updateQueueGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	health, err := s.store.QueueHealth(ctx)
	if err != nil {
		s.logger.Warn("queue health probe failed", "error", err)
		return
	}
	for _, kind := range []string{repo.KindPaymentTimeout, repo.KindDeliveryRetry} {
		s.metrics.PendingEvents.WithLabelValues(kind).Set(float64(health.PendingByKind[kind]))
	}
	s.metrics.DeadLetters.Set(float64(health.DeadLetters))
}

func (s *Scheduler) armTimer(ev repo.ScheduledEvent) {
	delay := time.Until(ev.ScheduledFor)
	if delay < 0 {
		delay = 0
	}
	key := timerKey(ev.Kind, ev.OrderCode)
	id := ev.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
		delete(s.ids, existing.eventID)
	}
	s.timers[key] = &timerEntry{
		eventID: id,
		timer: time.AfterFunc(delay, func() {
			s.fire(key, id)
		}),
	}
	s.ids[id] = key
}

func (s *Scheduler) fire(key, id string) {
	s.mu.Lock()
	delete(s.ids, id)
	if entry, ok := s.timers[key]; ok && entry.eventID == id {
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.execute(s.runCtx, id)
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	ev, err := s.store.GetScheduledEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.logger.Error("failed loading scheduled event", "event_id", id, "error", err)
		}
		return
	}
	if ev.Processed || ev.DeadLettered() {
		return
	}
	if err := s.dispatch(ctx, *ev); err != nil {
		s.logger.Error("scheduled event handler failed", "event_id", id, "kind", ev.Kind, "order", ev.OrderCode, "error", err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev repo.ScheduledEvent) error {
	s.mu.Lock()
	handler := s.handlers[ev.Kind]
	s.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("no handler registered for kind %s", ev.Kind)
	}

	err := handler(ctx, ev)
	result := "ok"
	if err != nil {
		result = "error"
	}
	if s.metrics != nil {
		s.metrics.SchedulerFires.WithLabelValues(ev.Kind, result).Inc()
	}
	if err != nil {
		return err
	}
	if err := s.store.MarkEventProcessed(ctx, ev.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("mark processed %s: %w", ev.ID, err)
	}
	return nil
}

func timerKey(kind, orderCode string) string {
	return kind + "|" + orderCode
}

func timerKeyMatches(key, orderCode string, kinds []string) bool {
	for _, kind := range kinds {
		if kind == "" {
			if key == timerKey(repo.KindPaymentTimeout, orderCode) || key == timerKey(repo.KindDeliveryRetry, orderCode) {
				return true
			}
			continue
		}
		if key == timerKey(kind, orderCode) {
			return true
		}
	}
	return false
}
