package funnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wa-funnel/internal/delivery"
	"wa-funnel/internal/repo"
	"wa-funnel/internal/scheduler"
)

const (
	testRawPhone  = "5511998765432"
	testNormPhone = "1198765432"
)

type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]*repo.Conversation
	records []repo.StepRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: map[string]*repo.Conversation{}}
}

func (s *fakeStore) UpsertConversation(_ context.Context, conv repo.Conversation) (*repo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.convs[conv.OrderCode]; ok {
		existing.Product = conv.Product
		existing.Amount = conv.Amount
		if conv.PaymentLinkRef != nil {
			existing.PaymentLinkRef = conv.PaymentLinkRef
		}
		if conv.CustomerName != nil {
			existing.CustomerName = conv.CustomerName
		}
		cp := *existing
		return &cp, nil
	}
	conv.ID = fmt.Sprintf("conv-%d", len(s.convs)+1)
	conv.CreatedAt = time.Now()
	s.convs[conv.OrderCode] = &conv
	cp := conv
	return &cp, nil
}

func (s *fakeStore) GetConversationByOrder(_ context.Context, orderCode string) (*repo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[orderCode]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *fakeStore) LatestActiveConversationByPhone(_ context.Context, phone string) (*repo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *repo.Conversation
	for _, conv := range s.convs {
		if conv.Phone != phone {
			continue
		}
		active := false
		for _, st := range repo.ActiveStatuses {
			if conv.Status == st {
				active = true
			}
		}
		if !active {
			continue
		}
		if latest == nil || conv.CreatedAt.After(latest.CreatedAt) {
			latest = conv
		}
	}
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *fakeStore) TransitionConversation(_ context.Context, orderCode string, from []string, to string) (*repo.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[orderCode]
	if !ok {
		return nil, repo.ErrNotFound
	}
	for _, st := range from {
		if conv.Status == st {
			conv.Status = to
			cp := *conv
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) AdvanceConversationStep(_ context.Context, orderCode string, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[orderCode]
	if !ok {
		return repo.ErrNotFound
	}
	conv.StepsCompleted = step
	if step >= 3 {
		conv.Status = repo.StatusCompleted
	}
	return nil
}

func (s *fakeStore) InsertStepRecord(_ context.Context, rec repo.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) LastConfirmedStep(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.ConversationID == conversationID && rec.Direction == repo.DirectionOutbound && rec.StepNumber != nil {
			return *rec.StepNumber, nil
		}
	}
	return 0, nil
}

func (s *fakeStore) HasStepRecord(_ context.Context, conversationID string, step int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ConversationID == conversationID && rec.Direction == repo.DirectionOutbound && rec.StepNumber != nil && *rec.StepNumber == step {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) recordsByDirection(direction string) []repo.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.StepRecord
	for _, rec := range s.records {
		if rec.Direction == direction {
			out = append(out, rec)
		}
	}
	return out
}

type cancelCall struct {
	orderCode string
	kinds     []string
}

type fakeSched struct {
	mu      sync.Mutex
	arms    []scheduler.ArmRequest
	cancels []cancelCall
}

func (f *fakeSched) Arm(_ context.Context, req scheduler.ArmRequest) (*repo.ScheduledEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms = append(f.arms, req)
	return &repo.ScheduledEvent{
		ID:          fmt.Sprintf("ev-%d", len(f.arms)),
		Kind:        req.Kind,
		OrderCode:   req.OrderCode,
		Attempts:    req.Attempts,
		MaxAttempts: req.MaxAttempts,
	}, nil
}

func (f *fakeSched) Cancel(_ context.Context, orderCode string, kinds ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelCall{orderCode: orderCode, kinds: kinds})
	return nil
}

func (f *fakeSched) armedKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, req := range f.arms {
		kinds = append(kinds, req.Kind)
	}
	return kinds
}

// fakeNotifier mirrors the real notifier's success bookkeeping: a delivered
// step event leaves an outbound confirmed-sent marker in the store.
type fakeNotifier struct {
	mu        sync.Mutex
	store     *fakeStore
	delivered []delivery.Event
	failing   bool
}

func (f *fakeNotifier) Deliver(ctx context.Context, ev delivery.Event, conversationID string) bool {
	f.mu.Lock()
	if f.failing {
		f.mu.Unlock()
		return false
	}
	f.delivered = append(f.delivered, ev)
	f.mu.Unlock()

	rec := repo.StepRecord{
		ConversationID: conversationID,
		Direction:      repo.DirectionOutbound,
		Content:        ev.EventType,
	}
	if ev.Step > 0 {
		step := ev.Step
		rec.StepNumber = &step
	}
	_ = f.store.InsertStepRecord(ctx, rec)
	return true
}

func (f *fakeNotifier) deliveredTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, ev := range f.delivered {
		types = append(types, ev.EventType)
	}
	return types
}

type fakeAssigner struct{ channel string }

func (f *fakeAssigner) AssignChannel(context.Context, string, string) string { return f.channel }

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeSched, *fakeNotifier) {
	t.Helper()
	store := newFakeStore()
	sched := &fakeSched{}
	notifier := &fakeNotifier{store: store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(store, sched, notifier, &fakeAssigner{channel: "ch-a"}, logger, nil, Config{PaymentWindow: 7 * time.Minute})
	return eng, store, sched, notifier
}

func pendingEvent(order string) PaymentEvent {
	return PaymentEvent{
		OrderCode:    order,
		Status:       PaymentStatusPending,
		Phone:        testRawPhone,
		CustomerName: "Ana",
		Amount:       19700,
		Product:      "curso-pro",
	}
}

func reply(content string) ChannelEvent {
	return ChannelEvent{
		Channel:   "ch-a",
		Phone:     testRawPhone,
		Direction: repo.DirectionInbound,
		Content:   content,
		MessageID: "m-" + content,
	}
}

func TestPendingPaymentArmsTimeout(t *testing.T) {
	ctx := context.Background()
	eng, store, sched, _ := newTestEngine(t)

	if ok := eng.HandlePaymentEvent(ctx, pendingEvent("ORD-1")); !ok {
		t.Fatal("expected pending event to be accepted")
	}

	conv, err := store.GetConversationByOrder(ctx, "ORD-1")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Status != repo.StatusPendingPayment {
		t.Fatalf("status = %q, want %q", conv.Status, repo.StatusPendingPayment)
	}
	if conv.Phone != testNormPhone {
		t.Fatalf("phone = %q, want normalized %q", conv.Phone, testNormPhone)
	}

	kinds := sched.armedKinds()
	if len(kinds) != 1 || kinds[0] != repo.KindPaymentTimeout {
		t.Fatalf("armed kinds = %v, want one payment_timeout", kinds)
	}
	if sched.arms[0].Delay != 7*time.Minute {
		t.Fatalf("timeout delay = %v, want 7m", sched.arms[0].Delay)
	}
}

func TestStepProgression(t *testing.T) {
	ctx := context.Background()
	eng, store, _, notifier := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-2"))

	for i := 1; i <= 4; i++ {
		if ok := eng.HandleChannelEvent(ctx, reply(fmt.Sprintf("reply %d", i))); !ok {
			t.Fatalf("reply %d rejected", i)
		}
	}

	want := []string{"step1", "step2", "step3"}
	got := notifier.deliveredTypes()
	if len(got) != len(want) {
		t.Fatalf("delivered events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered events = %v, want %v", got, want)
		}
	}

	conv, err := store.GetConversationByOrder(ctx, "ORD-2")
	if err != nil {
		t.Fatal(err)
	}
	if conv.StepsCompleted != 3 {
		t.Fatalf("steps completed = %d, want 3", conv.StepsCompleted)
	}
	if conv.Status != repo.StatusCompleted {
		t.Fatalf("status = %q, want %q after final step", conv.Status, repo.StatusCompleted)
	}
}

func TestApprovalEmitsOnceAndCancelsTimeout(t *testing.T) {
	ctx := context.Background()
	eng, _, sched, notifier := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-3"))

	approved := pendingEvent("ORD-3")
	approved.Status = PaymentStatusApproved
	if ok := eng.HandlePaymentEvent(ctx, approved); !ok {
		t.Fatal("approval rejected")
	}
	// Duplicate approval must not emit a second event.
	if ok := eng.HandlePaymentEvent(ctx, approved); !ok {
		t.Fatal("duplicate approval rejected")
	}

	got := notifier.deliveredTypes()
	if len(got) != 1 || got[0] != delivery.EventSaleApproved {
		t.Fatalf("delivered events = %v, want single sale_approved", got)
	}

	found := false
	for _, call := range sched.cancels {
		if call.orderCode != "ORD-3" {
			continue
		}
		for _, kind := range call.kinds {
			if kind == repo.KindPaymentTimeout {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("payment timeout was not cancelled on approval")
	}

	// A timeout firing after approval must be a no-op.
	err := eng.HandlePaymentTimeout(ctx, repo.ScheduledEvent{
		ID:        "ev-stale",
		Kind:      repo.KindPaymentTimeout,
		OrderCode: "ORD-3",
	})
	if err != nil {
		t.Fatalf("stale timeout returned error: %v", err)
	}
	for _, typ := range notifier.deliveredTypes() {
		if typ == delivery.EventPaymentTimeout {
			t.Fatal("timeout event emitted after approval")
		}
	}
}

func TestReplyAfterApprovalConverts(t *testing.T) {
	ctx := context.Background()
	eng, store, sched, notifier := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-4"))
	approved := pendingEvent("ORD-4")
	approved.Status = PaymentStatusApproved
	eng.HandlePaymentEvent(ctx, approved)

	if ok := eng.HandleChannelEvent(ctx, reply("paguei")); !ok {
		t.Fatal("reply rejected")
	}

	conv, err := store.GetConversationByOrder(ctx, "ORD-4")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != repo.StatusConverted {
		t.Fatalf("status = %q, want %q", conv.Status, repo.StatusConverted)
	}

	got := notifier.deliveredTypes()
	if len(got) != 2 || got[1] != delivery.EventConverted {
		t.Fatalf("delivered events = %v, want sale_approved then converted", got)
	}
	for _, typ := range got {
		if typ == "step1" {
			t.Fatal("step event emitted on a paid conversation")
		}
	}

	all := false
	for _, call := range sched.cancels {
		if call.orderCode == "ORD-4" && len(call.kinds) == 0 {
			all = true
		}
	}
	if !all {
		t.Fatal("conversion did not cancel all scheduled events for the order")
	}
}

func TestPaymentTimeoutTransitionsAndEmits(t *testing.T) {
	ctx := context.Background()
	eng, store, _, notifier := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-5"))

	err := eng.HandlePaymentTimeout(ctx, repo.ScheduledEvent{
		ID:        "ev-1",
		Kind:      repo.KindPaymentTimeout,
		OrderCode: "ORD-5",
	})
	if err != nil {
		t.Fatalf("timeout handler failed: %v", err)
	}

	conv, err := store.GetConversationByOrder(ctx, "ORD-5")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != repo.StatusTimedOut {
		t.Fatalf("status = %q, want %q", conv.Status, repo.StatusTimedOut)
	}
	got := notifier.deliveredTypes()
	if len(got) != 1 || got[0] != delivery.EventPaymentTimeout {
		t.Fatalf("delivered events = %v, want single payment_timeout", got)
	}

	// After the timeout the conversation is terminal for replies: recorded,
	// no further events.
	if ok := eng.HandleChannelEvent(ctx, reply("e agora?")); !ok {
		t.Fatal("reply after timeout rejected")
	}
	if n := len(notifier.deliveredTypes()); n != 1 {
		t.Fatalf("delivered %d events after timed-out reply, want 1", n)
	}
}

func TestStepAlreadySentIsSkipped(t *testing.T) {
	ctx := context.Background()
	eng, store, _, notifier := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-6"))
	conv, err := store.GetConversationByOrder(ctx, "ORD-6")
	if err != nil {
		t.Fatal(err)
	}

	// Out-of-order confirmed markers: step 2 sent, then a late step 1
	// confirmation. The derived next step is 2, which is already sent.
	for _, step := range []int{2, 1} {
		n := step
		if err := store.InsertStepRecord(ctx, repo.StepRecord{
			ConversationID: conv.ID,
			Direction:      repo.DirectionOutbound,
			Content:        fmt.Sprintf("step%d", n),
			StepNumber:     &n,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if ok := eng.HandleChannelEvent(ctx, reply("oi")); !ok {
		t.Fatal("reply rejected")
	}
	if got := notifier.deliveredTypes(); len(got) != 0 {
		t.Fatalf("delivered events = %v, want none", got)
	}
}

func TestReplyWithoutConversationIsNoOp(t *testing.T) {
	ctx := context.Background()
	eng, store, _, notifier := newTestEngine(t)

	if ok := eng.HandleChannelEvent(ctx, reply("ola")); !ok {
		t.Fatal("reply without conversation should be acknowledged")
	}
	if got := notifier.deliveredTypes(); len(got) != 0 {
		t.Fatalf("delivered events = %v, want none", got)
	}
	if recs := store.recordsByDirection(repo.DirectionInbound); len(recs) != 0 {
		t.Fatalf("recorded %d inbound messages without a conversation", len(recs))
	}
}

func TestUnparseablePhoneRejected(t *testing.T) {
	ctx := context.Background()
	eng, _, _, _ := newTestEngine(t)

	ev := pendingEvent("ORD-7")
	ev.Phone = "not-a-phone"
	if ok := eng.HandlePaymentEvent(ctx, ev); ok {
		t.Fatal("payment event with garbage phone accepted")
	}
	if ok := eng.HandleChannelEvent(ctx, ChannelEvent{Phone: "###", Direction: repo.DirectionInbound}); ok {
		t.Fatal("channel event with garbage phone accepted")
	}
}

func TestMarkComplete(t *testing.T) {
	ctx := context.Background()
	eng, store, sched, _ := newTestEngine(t)

	eng.HandlePaymentEvent(ctx, pendingEvent("ORD-8"))
	if err := eng.MarkComplete(ctx, "ORD-8"); err != nil {
		t.Fatalf("mark complete failed: %v", err)
	}

	conv, err := store.GetConversationByOrder(ctx, "ORD-8")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != repo.StatusCompleted {
		t.Fatalf("status = %q, want %q", conv.Status, repo.StatusCompleted)
	}
	if err := eng.MarkComplete(ctx, "ORD-8"); err == nil {
		t.Fatal("second mark complete should fail")
	}

	cancelled := false
	for _, call := range sched.cancels {
		if call.orderCode == "ORD-8" && len(call.kinds) == 0 {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatal("mark complete did not cancel scheduled events")
	}
}
