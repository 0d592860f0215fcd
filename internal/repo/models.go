package repo

import "time"

// Conversation statuses. Pending and approved are the active states from the
// engine's perspective; the rest are terminal for reply processing.
const (
	StatusPendingPayment = "pending_payment"
	StatusApproved       = "approved"
	StatusConverted      = "converted"
	StatusTimedOut       = "timed_out"
	StatusCompleted      = "completed"
)

// Scheduled event kinds.
const (
	KindPaymentTimeout = "payment_timeout"
	KindDeliveryRetry  = "delivery_retry"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

// ActiveStatuses lists the conversation states a customer reply can act on.
var ActiveStatuses = []string{StatusPendingPayment, StatusApproved}

// Lead represents one customer phone and its sticky channel assignment.
type Lead struct {
	Phone           string
	AssignedChannel string
	CustomerName    *string
	CreatedAt       time.Time
}

// ChannelLoad is an aggregate lead count per channel.
type ChannelLoad struct {
	Channel string
	Leads   int64
}

// Conversation represents one purchase order moving through the funnel.
type Conversation struct {
	ID             string
	Phone          string
	OrderCode      string
	Product        string
	Status         string
	StepsCompleted int
	Channel        string
	Amount         int64
	PaymentLinkRef *string
	CustomerName   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduledEvent is a durable timer or delivery-retry row. Once processed the
// row is immutable and kept for audit only.
type ScheduledEvent struct {
	ID             string
	Kind           string
	OrderCode      string
	ConversationID string
	Payload        map[string]any
	ScheduledFor   time.Time
	Processed      bool
	Attempts       int
	MaxAttempts    int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLettered reports whether the event exhausted its retry budget without
// being processed.
func (e ScheduledEvent) DeadLettered() bool {
	return !e.Processed && e.Attempts >= e.MaxAttempts
}

// StepRecord is one row of the append-only per-conversation message log.
// Outbound rows carrying a step number are the confirmed-sent markers the
// engine derives the next step from.
type StepRecord struct {
	ID             string
	ConversationID string
	Direction      string
	Content        string
	StepNumber     *int
	CreatedAt      time.Time
}

// QueueHealth summarises the scheduled_events table for operators.
type QueueHealth struct {
	PendingByKind map[string]int64 `json:"pending_by_kind"`
	DeadLetters   int64            `json:"dead_letters"`
	Overdue       int64            `json:"overdue"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
}
