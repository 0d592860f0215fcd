package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wa-funnel/internal/funnel"
	"wa-funnel/internal/repo"
)

type captureProcessor struct {
	events []funnel.ChannelEvent
}

func (p *captureProcessor) HandleChannelEvent(_ context.Context, ev funnel.ChannelEvent) bool {
	p.events = append(p.events, ev)
	return true
}

func newWebhook(token string, processor InboundProcessor) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(logger, nil, token, nil, processor)
}

func postWebhook(h http.Handler, body string, decorate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/channel", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadToken(t *testing.T) {
	processor := &captureProcessor{}
	h := newWebhook("secret", processor)

	rec := postWebhook(h, `{"channel":"ch-a","phone":"5511998765432","text":"oi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rec.Code)
	}

	rec = postWebhook(h, `{"channel":"ch-a","phone":"5511998765432","text":"oi"}`, func(req *http.Request) {
		req.Header.Set("X-Webhook-Token", "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with wrong token", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("event forwarded despite rejected token")
	}
}

func TestWebhookAcceptsBearerToken(t *testing.T) {
	processor := &captureProcessor{}
	h := newWebhook("secret", processor)

	rec := postWebhook(h, `{"channel":"ch-a","from":"5511998765432","message":"quero saber mais","messageId":"m-1"}`, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer secret")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.events) != 1 {
		t.Fatalf("forwarded events = %d, want 1", len(processor.events))
	}

	ev := processor.events[0]
	if ev.Channel != "ch-a" || ev.Phone != "5511998765432" || ev.Content != "quero saber mais" || ev.MessageID != "m-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Direction != repo.DirectionInbound {
		t.Fatalf("direction = %q, want inbound default", ev.Direction)
	}
}

func TestWebhookRejectsIncompletePayload(t *testing.T) {
	processor := &captureProcessor{}
	h := newWebhook("", processor)

	rec := postWebhook(h, `{"phone":"5511998765432"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without channel", rec.Code)
	}

	rec = postWebhook(h, `broken`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for broken json", rec.Code)
	}
}

func TestWebhookPassesOutboundDirection(t *testing.T) {
	processor := &captureProcessor{}
	h := newWebhook("", processor)

	rec := postWebhook(h, `{"channel":"ch-a","phone":"5511998765432","direction":"outbound","text":"follow-up"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.events) != 1 || processor.events[0].Direction != repo.DirectionOutbound {
		t.Fatalf("unexpected events: %+v", processor.events)
	}
}
