// Package funnel implements the conversation state machine: payment events
// and customer replies move a conversation through pending_payment, approved,
// converted, timed_out and completed, emitting one workflow event per
// transition.
package funnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wa-funnel/internal/delivery"
	"wa-funnel/internal/metrics"
	"wa-funnel/internal/phone"
	"wa-funnel/internal/repo"
	"wa-funnel/internal/scheduler"
)

// maxSteps bounds the follow-up funnel.
const maxSteps = 3

// Payment event statuses accepted from the provider boundary.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusApproved = "approved"
)

// PaymentEvent is a parsed payment-provider notification.
type PaymentEvent struct {
	OrderCode      string
	Status         string
	Phone          string
	CustomerName   string
	Amount         int64
	PaymentLinkRef string
	Product        string
}

// ChannelEvent is a parsed messaging-channel notification. Phone arrives
// carrier-raw and is normalized before any lookup.
type ChannelEvent struct {
	Channel   string
	Phone     string
	Direction string
	Content   string
	MessageID string
}

// Store is the conversation persistence surface.
type Store interface {
	UpsertConversation(ctx context.Context, conv repo.Conversation) (*repo.Conversation, error)
	GetConversationByOrder(ctx context.Context, orderCode string) (*repo.Conversation, error)
	LatestActiveConversationByPhone(ctx context.Context, phone string) (*repo.Conversation, error)
	TransitionConversation(ctx context.Context, orderCode string, from []string, to string) (*repo.Conversation, error)
	AdvanceConversationStep(ctx context.Context, orderCode string, step int) error
	InsertStepRecord(ctx context.Context, rec repo.StepRecord) error
	LastConfirmedStep(ctx context.Context, conversationID string) (int, error)
	HasStepRecord(ctx context.Context, conversationID string, step int) (bool, error)
}

// Sched arms and cancels durable timers.
type Sched interface {
	Arm(ctx context.Context, req scheduler.ArmRequest) (*repo.ScheduledEvent, error)
	Cancel(ctx context.Context, orderCode string, kinds ...string) error
}

// Notifier emits workflow events.
type Notifier interface {
	Deliver(ctx context.Context, ev delivery.Event, conversationID string) bool
}

// ChannelAssigner resolves the sticky channel for a phone.
type ChannelAssigner interface {
	AssignChannel(ctx context.Context, phoneNumber, customerName string) string
}

// Config tunes the engine.
type Config struct {
	// PaymentWindow is how long a pending payment may stay unconfirmed
	// before the timeout escalation fires.
	PaymentWindow time.Duration
}

// Engine is the funnel state machine.
type Engine struct {
	store    Store
	sched    Sched
	notifier Notifier
	assigner ChannelAssigner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

// New creates the engine.
func New(store Store, sched Sched, notifier Notifier, assigner ChannelAssigner, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 7 * time.Minute
	}
	return &Engine{
		store:    store,
		sched:    sched,
		notifier: notifier,
		assigner: assigner,
		logger:   logger.With("component", "funnel"),
		metrics:  m,
		cfg:      cfg,
	}
}

// HandlePaymentEvent processes a payment-provider notification. It returns a
// success indicator and never panics or propagates errors to the boundary.
func (e *Engine) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) bool {
	normalized, err := phone.Normalize(ev.Phone)
	if err != nil {
		e.logger.Warn("payment event with unparseable phone", "order", ev.OrderCode, "error", err)
		return false
	}

	channel := e.assigner.AssignChannel(ctx, normalized, ev.CustomerName)

	conv := repo.Conversation{
		Phone:     normalized,
		OrderCode: ev.OrderCode,
		Product:   ev.Product,
		Status:    repo.StatusPendingPayment,
		Channel:   channel,
		Amount:    ev.Amount,
	}
	if ev.PaymentLinkRef != "" {
		conv.PaymentLinkRef = &ev.PaymentLinkRef
	}
	if ev.CustomerName != "" {
		conv.CustomerName = &ev.CustomerName
	}

	stored, err := e.store.UpsertConversation(ctx, conv)
	if err != nil {
		e.logger.Error("failed upserting conversation", "order", ev.OrderCode, "error", err)
		e.countError("funnel")
		return false
	}

	switch ev.Status {
	case PaymentStatusPending:
		return e.handlePaymentPending(ctx, stored)
	case PaymentStatusApproved:
		return e.handlePaymentApproved(ctx, stored)
	default:
		e.logger.Warn("payment event with unknown status", "order", ev.OrderCode, "status", ev.Status)
		return false
	}
}

func (e *Engine) handlePaymentPending(ctx context.Context, conv *repo.Conversation) bool {
	if conv.Status != repo.StatusPendingPayment {
		// Late pending notification for an order that already moved on.
		e.logger.Info("ignoring pending event for settled order", "order", conv.OrderCode, "status", conv.Status)
		return true
	}

	// Cancel-then-arm so repeated pending notifications keep one live timer.
	if err := e.sched.Cancel(ctx, conv.OrderCode, repo.KindPaymentTimeout); err != nil {
		e.logger.Error("failed cancelling stale timeout", "order", conv.OrderCode, "error", err)
	}
	_, err := e.sched.Arm(ctx, scheduler.ArmRequest{
		Kind:           repo.KindPaymentTimeout,
		OrderCode:      conv.OrderCode,
		ConversationID: conv.ID,
		Payload:        map[string]any{"phone": conv.Phone, "channel": conv.Channel, "product": conv.Product},
		Delay:          e.cfg.PaymentWindow,
		MaxAttempts:    1,
	})
	if err != nil {
		e.logger.Error("failed arming payment timeout", "order", conv.OrderCode, "error", err)
		e.countError("funnel")
		return false
	}

	e.countTransition(repo.StatusPendingPayment)
	e.logger.Info("payment pending, timeout armed", "order", conv.OrderCode, "phone", conv.Phone, "channel", conv.Channel, "window", e.cfg.PaymentWindow)
	return true
}

func (e *Engine) handlePaymentApproved(ctx context.Context, conv *repo.Conversation) bool {
	approved, err := e.store.TransitionConversation(ctx, conv.OrderCode, []string{repo.StatusPendingPayment}, repo.StatusApproved)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Duplicate approval or the order already converted/completed.
			e.logger.Info("ignoring duplicate approval", "order", conv.OrderCode, "status", conv.Status)
			return true
		}
		e.logger.Error("failed approving conversation", "order", conv.OrderCode, "error", err)
		e.countError("funnel")
		return false
	}

	if err := e.sched.Cancel(ctx, approved.OrderCode, repo.KindPaymentTimeout); err != nil {
		e.logger.Error("failed cancelling payment timeout", "order", approved.OrderCode, "error", err)
	}

	e.countTransition(repo.StatusApproved)
	e.logger.Info("payment approved", "order", approved.OrderCode, "phone", approved.Phone)
	e.notifier.Deliver(ctx, e.buildEvent(delivery.EventSaleApproved, approved), approved.ID)
	return true
}

// HandlePaymentTimeout executes a payment_timeout scheduled event. It is
// registered as the scheduler handler for that kind.
func (e *Engine) HandlePaymentTimeout(ctx context.Context, sev repo.ScheduledEvent) error {
	conv, err := e.store.TransitionConversation(ctx, sev.OrderCode, []string{repo.StatusPendingPayment}, repo.StatusTimedOut)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Paid, converted or already timed out meanwhile.
			return nil
		}
		return err
	}

	e.countTransition(repo.StatusTimedOut)
	e.logger.Info("payment window expired", "order", conv.OrderCode, "phone", conv.Phone)
	e.notifier.Deliver(ctx, e.buildEvent(delivery.EventPaymentTimeout, conv), conv.ID)
	return nil
}

// HandleChannelEvent processes a messaging-channel notification.
func (e *Engine) HandleChannelEvent(ctx context.Context, ev ChannelEvent) bool {
	normalized, err := phone.Normalize(ev.Phone)
	if err != nil {
		e.logger.Warn("channel event with unparseable phone", "channel", ev.Channel, "error", err)
		return false
	}
	if e.metrics != nil {
		e.metrics.ChannelMessages.WithLabelValues(ev.Channel, ev.Direction).Inc()
	}

	conv, err := e.store.LatestActiveConversationByPhone(ctx, normalized)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger.Debug("message without active conversation", "phone", normalized)
			return true
		}
		e.logger.Error("failed loading conversation", "phone", normalized, "error", err)
		e.countError("funnel")
		return false
	}

	if ev.Direction != repo.DirectionInbound {
		e.record(ctx, conv.ID, ev.Direction, ev.Content, nil)
		return true
	}

	e.record(ctx, conv.ID, repo.DirectionInbound, ev.Content, nil)
	return e.processReply(ctx, conv)
}

// processReply decides step vs conversion for one inbound customer reply.
func (e *Engine) processReply(ctx context.Context, conv *repo.Conversation) bool {
	// Re-read payment status: payment may have settled while this reply was
	// in flight.
	if e.IsPaid(ctx, conv.OrderCode) {
		return e.convert(ctx, conv)
	}

	last, err := e.store.LastConfirmedStep(ctx, conv.ID)
	if err != nil {
		e.logger.Error("failed deriving last step", "order", conv.OrderCode, "error", err)
		e.countError("funnel")
		return false
	}
	next := last + 1
	if next > maxSteps {
		e.logger.Debug("funnel exhausted, reply recorded only", "order", conv.OrderCode)
		return true
	}

	sent, err := e.store.HasStepRecord(ctx, conv.ID, next)
	if err != nil {
		e.logger.Error("failed checking step record", "order", conv.OrderCode, "step", next, "error", err)
		e.countError("funnel")
		return false
	}
	if sent {
		e.logger.Debug("step already confirmed sent", "order", conv.OrderCode, "step", next)
		return true
	}

	// Status advances optimistically; a delivery failure is retried through
	// the scheduler and never rolls this back.
	if err := e.store.AdvanceConversationStep(ctx, conv.OrderCode, next); err != nil {
		e.logger.Error("failed advancing step", "order", conv.OrderCode, "step", next, "error", err)
		e.countError("funnel")
		return false
	}
	if next == maxSteps {
		e.countTransition(repo.StatusCompleted)
	}

	ev := e.buildEvent(delivery.StepEventType(next), conv)
	ev.Step = next
	e.logger.Info("funnel step emitted", "order", conv.OrderCode, "step", next)
	e.notifier.Deliver(ctx, ev, conv.ID)
	return true
}

func (e *Engine) convert(ctx context.Context, conv *repo.Conversation) bool {
	converted, err := e.store.TransitionConversation(ctx, conv.OrderCode, repo.ActiveStatuses, repo.StatusConverted)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Conversation reached a terminal state between lookup and now.
			return true
		}
		e.logger.Error("failed converting conversation", "order", conv.OrderCode, "error", err)
		e.countError("funnel")
		return false
	}

	if err := e.sched.Cancel(ctx, converted.OrderCode); err != nil {
		e.logger.Error("failed cancelling scheduled events", "order", converted.OrderCode, "error", err)
	}

	e.countTransition(repo.StatusConverted)
	e.logger.Info("conversation converted", "order", converted.OrderCode, "phone", converted.Phone)
	e.notifier.Deliver(ctx, e.buildEvent(delivery.EventConverted, converted), converted.ID)
	return true
}

// IsPaid reports whether the order's payment is confirmed, backed by the
// authoritative conversation status.
func (e *Engine) IsPaid(ctx context.Context, orderCode string) bool {
	conv, err := e.store.GetConversationByOrder(ctx, orderCode)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logger.Error("failed checking payment status", "order", orderCode, "error", err)
		}
		return false
	}
	return conv.Status == repo.StatusApproved || conv.Status == repo.StatusCompleted
}

// MarkComplete finishes a conversation on operator request and cancels its
// pending timers.
func (e *Engine) MarkComplete(ctx context.Context, orderCode string) error {
	from := append([]string{}, repo.ActiveStatuses...)
	from = append(from, repo.StatusTimedOut)
	if _, err := e.store.TransitionConversation(ctx, orderCode, from, repo.StatusCompleted); err != nil {
		return err
	}
	if err := e.sched.Cancel(ctx, orderCode); err != nil {
		e.logger.Error("failed cancelling scheduled events", "order", orderCode, "error", err)
	}
	e.countTransition(repo.StatusCompleted)
	return nil
}

// HandleInboundMessage adapts in-process channel transports (the WhatsApp
// client) to the reply path.
func (e *Engine) HandleInboundMessage(ctx context.Context, channel, phoneNumber, content, messageID string) {
	e.HandleChannelEvent(ctx, ChannelEvent{
		Channel:   channel,
		Phone:     phoneNumber,
		Direction: repo.DirectionInbound,
		Content:   content,
		MessageID: messageID,
	})
}

func (e *Engine) buildEvent(eventType string, conv *repo.Conversation) delivery.Event {
	ev := delivery.Event{
		EventType: eventType,
		Product:   conv.Product,
		Channel:   conv.Channel,
		Phone:     conv.Phone,
		OrderCode: conv.OrderCode,
		Amount:    conv.Amount,
		Timestamp: time.Now().UTC(),
	}
	if conv.CustomerName != nil {
		ev.CustomerName = *conv.CustomerName
	}
	return ev
}

func (e *Engine) record(ctx context.Context, conversationID, direction, content string, step *int) {
	err := e.store.InsertStepRecord(ctx, repo.StepRecord{
		ConversationID: conversationID,
		Direction:      direction,
		Content:        content,
		StepNumber:     step,
	})
	if err != nil {
		e.logger.Error("failed recording message", "conversation", conversationID, "error", err)
		e.countError("funnel")
	}
}

func (e *Engine) countTransition(status string) {
	if e.metrics != nil {
		e.metrics.FunnelTransitions.WithLabelValues(status).Inc()
	}
}

func (e *Engine) countError(component string) {
	if e.metrics != nil {
		e.metrics.Errors.WithLabelValues(component).Inc()
	}
}
