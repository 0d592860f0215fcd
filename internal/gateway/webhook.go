package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-funnel/internal/cache"
	"wa-funnel/internal/funnel"
	"wa-funnel/internal/metrics"
	"wa-funnel/internal/repo"
)

const dedupeTTL = 24 * time.Hour

// InboundProcessor handles one parsed channel event.
type InboundProcessor interface {
	HandleChannelEvent(ctx context.Context, ev funnel.ChannelEvent) bool
}

// WebhookHandler receives channel gateway callbacks for inbound and outbound
// messages. Gateways retry on non-2xx, so processed requests are always
// acknowledged with 200 regardless of what the funnel did with them.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	token     string
	dedupe    *cache.Redis
	processor InboundProcessor
}

// NewWebhookHandler creates the channel webhook handler. redis may be nil,
// disabling duplicate suppression.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, token string, redis *cache.Redis, processor InboundProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "channel_webhook"),
		metrics:   m,
		token:     token,
		dedupe:    redis,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.validateToken(r) {
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

	ev := funnel.ChannelEvent{
		Channel:   readString(raw, "channel", "instance", "session"),
		Phone:     readString(raw, "phone", "from", "sender"),
		Direction: readString(raw, "direction"),
		Content:   readString(raw, "content", "text", "message", "body"),
		MessageID: readString(raw, "message_id", "messageId", "id"),
	}
	if ev.Direction == "" {
		ev.Direction = repo.DirectionInbound
	}
	if ev.Channel == "" || ev.Phone == "" {
		h.count("malformed")
		http.Error(w, "missing channel or phone", http.StatusBadRequest)
		return
	}

	if ev.MessageID != "" && h.dedupe != nil {
		if h.dedupe.SeenBefore(r.Context(), "channel:msg:"+ev.MessageID, dedupeTTL) {
			h.count("duplicate")
			writeAck(w)
			return
		}
	}

	if h.processor.HandleChannelEvent(r.Context(), ev) {
		h.count("ok")
	} else {
		h.count("error")
	}
	writeAck(w)
}

func (h *WebhookHandler) validateToken(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == h.token {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-Webhook-Token")) == h.token
}

func (h *WebhookHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues("channel", result).Inc()
	}
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readString(data map[string]any, keys ...string) string {
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
