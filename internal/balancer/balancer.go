// Package balancer assigns customer phones to sending channels. Assignment
// is sticky per phone and least-loaded over a bounded recent window.
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wa-funnel/internal/repo"
)

// Store is the lead persistence surface.
type Store interface {
	GetLead(ctx context.Context, phone string) (*repo.Lead, error)
	InsertLeadIfAbsent(ctx context.Context, lead repo.Lead) (*repo.Lead, error)
	CountLeadsByChannel(ctx context.Context, since time.Time) ([]repo.ChannelLoad, error)
}

// HealthChecker reports whether a channel can currently send.
type HealthChecker interface {
	Healthy(ctx context.Context, channel string) bool
}

// Config tunes channel selection.
type Config struct {
	// Channels in fixed priority order; load ties break toward the first.
	Channels       []string
	DefaultChannel string
	// Window bounds the lead counts so old leads cannot skew the balance.
	Window time.Duration
}

// Balancer implements sticky least-loaded channel assignment.
type Balancer struct {
	store  Store
	health HealthChecker
	logger *slog.Logger
	cfg    Config
}

// New creates a balancer. health may be nil, in which case all configured
// channels are considered active.
func New(store Store, health HealthChecker, logger *slog.Logger, cfg Config) *Balancer {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.DefaultChannel == "" && len(cfg.Channels) > 0 {
		cfg.DefaultChannel = cfg.Channels[0]
	}
	return &Balancer{
		store:  store,
		health: health,
		logger: logger.With("component", "balancer"),
		cfg:    cfg,
	}
}

// AssignChannel returns the channel for the phone, assigning the least-loaded
// active channel on first contact. It never fails: on any problem the
// configured default channel is returned and the lead creation is skipped.
func (b *Balancer) AssignChannel(ctx context.Context, phoneNumber, customerName string) string {
	lead, err := b.store.GetLead(ctx, phoneNumber)
	if err == nil {
		return lead.AssignedChannel
	}
	if !errors.Is(err, repo.ErrNotFound) {
		b.logger.Error("failed loading lead", "phone", phoneNumber, "error", err)
		return b.cfg.DefaultChannel
	}

	channel := b.pickChannel(ctx)

	newLead := repo.Lead{Phone: phoneNumber, AssignedChannel: channel}
	if customerName != "" {
		newLead.CustomerName = &customerName
	}
	// On a concurrent duplicate the first insert wins and the stored
	// assignment comes back, keeping both callers consistent.
	stored, err := b.store.InsertLeadIfAbsent(ctx, newLead)
	if err != nil {
		b.logger.Error("failed storing lead", "phone", phoneNumber, "error", err)
		return channel
	}
	return stored.AssignedChannel
}

func (b *Balancer) pickChannel(ctx context.Context) string {
	active := b.activeChannels(ctx)
	if len(active) == 0 {
		b.logger.Warn("no active channel available, using default", "default", b.cfg.DefaultChannel)
		return b.cfg.DefaultChannel
	}

	counts := map[string]int64{}
	loads, err := b.store.CountLeadsByChannel(ctx, time.Now().Add(-b.cfg.Window))
	if err != nil {
		b.logger.Error("failed counting leads per channel", "error", err)
	} else {
		for _, load := range loads {
			counts[load.Channel] = load.Leads
		}
	}

	best := active[0]
	for _, channel := range active[1:] {
		if counts[channel] < counts[best] {
			best = channel
		}
	}
	return best
}

func (b *Balancer) activeChannels(ctx context.Context) []string {
	if b.health == nil {
		return b.cfg.Channels
	}
	var active []string
	for _, channel := range b.cfg.Channels {
		if b.health.Healthy(ctx, channel) {
			active = append(active, channel)
		}
	}
	return active
}
