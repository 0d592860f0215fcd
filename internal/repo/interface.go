package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("repo: not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Leads
	GetLead(ctx context.Context, phone string) (*Lead, error)
	InsertLeadIfAbsent(ctx context.Context, lead Lead) (*Lead, error)
	CountLeadsByChannel(ctx context.Context, since time.Time) ([]ChannelLoad, error)
	ListLeads(ctx context.Context) ([]Lead, error)

	// Conversations
	UpsertConversation(ctx context.Context, conv Conversation) (*Conversation, error)
	GetConversationByOrder(ctx context.Context, orderCode string) (*Conversation, error)
	LatestActiveConversationByPhone(ctx context.Context, phone string) (*Conversation, error)
	TransitionConversation(ctx context.Context, orderCode string, from []string, to string) (*Conversation, error)
	AdvanceConversationStep(ctx context.Context, orderCode string, step int) error

	// Step log
	InsertStepRecord(ctx context.Context, rec StepRecord) error
	LastConfirmedStep(ctx context.Context, conversationID string) (int, error)
	HasStepRecord(ctx context.Context, conversationID string, step int) (bool, error)

	// Scheduled events
	InsertScheduledEvent(ctx context.Context, ev ScheduledEvent) (*ScheduledEvent, error)
	GetScheduledEvent(ctx context.Context, id string) (*ScheduledEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
	FailEvent(ctx context.Context, id, lastError string, nextAttempt *time.Time) (int, error)
	CancelEventsForOrder(ctx context.Context, orderCode, kind string) (int64, error)
	ListDueEvents(ctx context.Context, until time.Time) ([]ScheduledEvent, error)
	QueueHealth(ctx context.Context) (*QueueHealth, error)
}
