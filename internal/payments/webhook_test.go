package payments

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wa-funnel/internal/funnel"
)

// MD5 of "hook-user" and "hook-pass".
const (
	userMD5 = "8c3e4fab6f4be01ed4e68451ea1f88bc"
	passMD5 = "d62cdc225ea688bd5eb89de7ca72c4a0"
)

type captureProcessor struct {
	events []funnel.PaymentEvent
	reject bool
}

func (p *captureProcessor) HandlePaymentEvent(_ context.Context, ev funnel.PaymentEvent) bool {
	p.events = append(p.events, ev)
	return !p.reject
}

func md5Fixture(t *testing.T) {
	t.Helper()
	if md5Hex("hook-user") != userMD5 || md5Hex("hook-pass") != passMD5 {
		t.Fatal("md5 fixtures out of date")
	}
}

func newHandler(processor Processor) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(logger, nil, userMD5, passMD5, processor)
}

func post(h http.Handler, body string, decorate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withBasicAuth(req *http.Request) {
	req.SetBasicAuth("hook-user", "hook-pass")
}

func TestRejectsMissingAuth(t *testing.T) {
	md5Fixture(t)
	processor := &captureProcessor{}
	rec := post(newHandler(processor), `{"order_code":"ORD-1","phone":"5511998765432","status":"pending"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("event forwarded despite failed auth")
	}
}

func TestRejectsWrongCredentials(t *testing.T) {
	processor := &captureProcessor{}
	rec := post(newHandler(processor), `{}`, func(req *http.Request) {
		req.SetBasicAuth("hook-user", "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAcceptsSignatureHeader(t *testing.T) {
	processor := &captureProcessor{}
	rec := post(newHandler(processor), `{"order_code":"ORD-1","phone":"5511998765432","status":"approved","amount":197.0}`, func(req *http.Request) {
		req.Header.Set("X-Payment-Signature", passMD5)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.events) != 1 {
		t.Fatalf("forwarded events = %d, want 1", len(processor.events))
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	processor := &captureProcessor{}

	rec := post(newHandler(processor), `not json`, withBasicAuth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for broken json", rec.Code)
	}

	rec = post(newHandler(processor), `{"status":"pending","phone":"5511998765432"}`, withBasicAuth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without order code", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("malformed payload was forwarded")
	}
}

func TestParsesAlternateFieldSpellings(t *testing.T) {
	processor := &captureProcessor{}
	body := `{
		"order_id": "ORD-9",
		"customer_phone": "+55 11 99876-5432",
		"payment_status": "waiting_payment",
		"customerName": "Ana",
		"product_name": "curso-pro",
		"value": "197,00",
		"checkout_id": "pl-123"
	}`
	rec := post(newHandler(processor), body, withBasicAuth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.events) != 1 {
		t.Fatalf("forwarded events = %d, want 1", len(processor.events))
	}

	ev := processor.events[0]
	if ev.OrderCode != "ORD-9" || ev.Status != funnel.PaymentStatusPending {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Amount != 19700 {
		t.Fatalf("amount = %d cents, want 19700", ev.Amount)
	}
	if ev.CustomerName != "Ana" || ev.Product != "curso-pro" || ev.PaymentLinkRef != "pl-123" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestUnactionableStatusAcknowledged(t *testing.T) {
	processor := &captureProcessor{}
	rec := post(newHandler(processor), `{"order_code":"ORD-1","phone":"5511998765432","status":"refunded"}`, withBasicAuth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("refund event should not reach the funnel")
	}
}

func TestProcessorFailureStillAcknowledged(t *testing.T) {
	processor := &captureProcessor{reject: true}
	rec := post(newHandler(processor), `{"order_code":"ORD-1","phone":"5511998765432","status":"pending"}`, withBasicAuth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
