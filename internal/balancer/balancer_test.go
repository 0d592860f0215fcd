package balancer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wa-funnel/internal/repo"
)

type leadStore struct {
	mu     sync.Mutex
	leads  map[string]*repo.Lead
	counts map[string]int64
}

func newLeadStore(counts map[string]int64) *leadStore {
	if counts == nil {
		counts = map[string]int64{}
	}
	return &leadStore{leads: map[string]*repo.Lead{}, counts: counts}
}

func (s *leadStore) GetLead(_ context.Context, phone string) (*repo.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[phone]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (s *leadStore) InsertLeadIfAbsent(_ context.Context, lead repo.Lead) (*repo.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.leads[lead.Phone]; ok {
		cp := *existing
		return &cp, nil
	}
	lead.CreatedAt = time.Now()
	s.leads[lead.Phone] = &lead
	s.counts[lead.AssignedChannel]++
	cp := lead
	return &cp, nil
}

func (s *leadStore) CountLeadsByChannel(_ context.Context, _ time.Time) ([]repo.ChannelLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.ChannelLoad
	for channel, n := range s.counts {
		out = append(out, repo.ChannelLoad{Channel: channel, Leads: n})
	}
	return out, nil
}

type staticHealth struct{ healthy map[string]bool }

func (h staticHealth) Healthy(_ context.Context, channel string) bool { return h.healthy[channel] }

func testBalancer(store Store, health HealthChecker, channels []string) *Balancer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, health, logger, Config{Channels: channels, DefaultChannel: channels[0]})
}

func TestAssignmentIsSticky(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(nil)
	b := testBalancer(store, nil, []string{"ch-a", "ch-b"})

	first := b.AssignChannel(ctx, "1198765432", "Ana")
	for i := 0; i < 5; i++ {
		if got := b.AssignChannel(ctx, "1198765432", "Ana"); got != first {
			t.Fatalf("assignment changed from %q to %q", first, got)
		}
	}
	if len(store.leads) != 1 {
		t.Fatalf("lead rows = %d, want 1", len(store.leads))
	}
}

func TestLeastLoadedWins(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(map[string]int64{"ch-a": 6, "ch-b": 2, "ch-c": 4})
	b := testBalancer(store, nil, []string{"ch-a", "ch-b", "ch-c"})

	if got := b.AssignChannel(ctx, "1198765432", ""); got != "ch-b" {
		t.Fatalf("assigned %q, want least-loaded ch-b", got)
	}
}

func TestLoadTieBreaksTowardPriority(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(map[string]int64{"ch-a": 5, "ch-b": 5, "ch-c": 6})
	b := testBalancer(store, nil, []string{"ch-a", "ch-b", "ch-c"})

	if got := b.AssignChannel(ctx, "1198765432", ""); got != "ch-a" {
		t.Fatalf("assigned %q, want first-listed ch-a on tie", got)
	}
}

func TestAssignmentKeepsBalance(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(nil)
	b := testBalancer(store, nil, []string{"ch-a", "ch-b", "ch-c"})

	phones := []string{"1191111111", "1192222222", "1193333333", "1194444444", "1195555555", "1196666666"}
	for _, p := range phones {
		b.AssignChannel(ctx, p, "")
	}

	for channel, n := range store.counts {
		if n != 2 {
			t.Fatalf("channel %s holds %d leads, want 2 (counts: %v)", channel, n, store.counts)
		}
	}
}

func TestUnhealthyChannelSkipped(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(map[string]int64{"ch-a": 0, "ch-b": 10})
	health := staticHealth{healthy: map[string]bool{"ch-b": true}}
	b := testBalancer(store, health, []string{"ch-a", "ch-b"})

	if got := b.AssignChannel(ctx, "1198765432", ""); got != "ch-b" {
		t.Fatalf("assigned %q, want the only healthy channel ch-b", got)
	}
}

func TestNoHealthyChannelFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	store := newLeadStore(nil)
	health := staticHealth{healthy: map[string]bool{}}
	b := testBalancer(store, health, []string{"ch-a", "ch-b"})

	if got := b.AssignChannel(ctx, "1198765432", ""); got != "ch-a" {
		t.Fatalf("assigned %q, want default ch-a", got)
	}
}
