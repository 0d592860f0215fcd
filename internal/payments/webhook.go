// Package payments receives payment-provider webhooks and turns them into
// funnel payment events. Providers disagree on field names and casing, so
// parsing is tolerant of the common spellings.
package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"wa-funnel/internal/funnel"
	"wa-funnel/internal/metrics"
)

// Processor handles one parsed payment event.
type Processor interface {
	HandlePaymentEvent(ctx context.Context, ev funnel.PaymentEvent) bool
}

// WebhookHandler authenticates and parses payment-provider callbacks. The
// provider authenticates with basic auth whose username and password MD5
// hashes are configured, or with a signature header carrying one of the
// hashes.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	processor   Processor
}

// NewWebhookHandler creates the payment webhook handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "payment_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.count("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.count("malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ev, err := parseEvent(raw)
	if err != nil {
		h.count("malformed")
		h.logger.Warn("rejecting payment webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Status == "" {
		// Refunds, chargebacks and other states the funnel does not act on.
		h.count("ignored")
		writeAck(w)
		return
	}

	if h.processor.HandlePaymentEvent(r.Context(), ev) {
		h.count("ok")
	} else {
		h.count("error")
	}
	writeAck(w)
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}
	if md5Hex(username) != h.usernameMD5 {
		return fmt.Errorf("invalid username hash")
	}
	if md5Hex(password) != h.passwordMD5 {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.TrimSpace(r.Header.Get("X-Payment-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(r.Header.Get("X-Signature"))
	}
	if signature == "" {
		return false
	}
	signature = strings.ToLower(signature)
	return signature == h.usernameMD5 || signature == h.passwordMD5
}

func (h *WebhookHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues("payment", result).Inc()
	}
}

func parseEvent(raw map[string]any) (funnel.PaymentEvent, error) {
	ev := funnel.PaymentEvent{
		OrderCode:      firstString(raw, "order_code", "orderCode", "order_id", "reference", "ref_id"),
		Phone:          firstString(raw, "phone", "customer_phone", "phone_number", "msisdn"),
		CustomerName:   firstString(raw, "customer_name", "customerName", "name"),
		Product:        firstString(raw, "product", "product_name", "item", "offer"),
		PaymentLinkRef: firstString(raw, "payment_link", "payment_link_id", "checkout_id"),
		Amount:         amountCents(raw, "amount", "value", "total"),
		Status:         mapStatus(firstString(raw, "status", "payment_status", "state")),
	}
	if ev.OrderCode == "" {
		return funnel.PaymentEvent{}, fmt.Errorf("payload missing order code")
	}
	if ev.Phone == "" {
		return funnel.PaymentEvent{}, fmt.Errorf("payload missing customer phone")
	}
	return ev, nil
}

// mapStatus folds provider status vocabulary into the two states the funnel
// acts on. Anything else maps to empty and is acknowledged without action.
func mapStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "paid", "confirmed", "completed", "success":
		return funnel.PaymentStatusApproved
	case "pending", "waiting", "waiting_payment", "created", "generated":
		return funnel.PaymentStatusPending
	default:
		return ""
	}
}

// amountCents reads a currency amount and converts it to integer cents.
func amountCents(data map[string]any, keys ...string) int64 {
	for _, key := range keys {
		val, ok := data[key]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case float64:
			return int64(math.Round(v * 100))
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(v, ",", ".")), 64)
			if err == nil {
				return int64(math.Round(parsed * 100))
			}
		}
	}
	return 0
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if str, ok := val.(string); ok {
				if trimmed := strings.TrimSpace(str); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
