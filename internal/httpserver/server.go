package httpserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-funnel/internal/metrics"
	"wa-funnel/internal/phone"
	"wa-funnel/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Funnel is the engine surface the operator endpoints need.
type Funnel interface {
	IsPaid(ctx context.Context, orderCode string) bool
	MarkComplete(ctx context.Context, orderCode string) error
}

// Queue replays scheduled events on operator request.
type Queue interface {
	ExecuteNow(ctx context.Context, id string) error
}

// Sender pushes a test message through a channel.
type Sender interface {
	SendText(ctx context.Context, channel, phoneNumber, text string) error
}

// Handlers groups webhook handlers to mount.
type Handlers struct {
	PaymentWebhook http.Handler
	ChannelWebhook http.Handler
}

// Dependencies exposes core dependencies to the admin handlers.
type Dependencies struct {
	Repository repo.Repository
	Funnel     Funnel
	Queue      Queue
	Sender     Sender
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/payment-status", server.handlePaymentStatus)
	mux.HandleFunc("/admin/mark-complete", server.handleMarkComplete)
	mux.HandleFunc("/admin/queue-health", server.handleQueueHealth)
	mux.HandleFunc("/admin/replay", server.handleReplay)
	mux.HandleFunc("/admin/leads.csv", server.handleLeadsCSV)
	mux.HandleFunc("/admin/send-test", server.handleSendTest)

	if handlers.PaymentWebhook != nil {
		mux.Handle("/webhook/payment", handlers.PaymentWebhook)
	}
	if handlers.ChannelWebhook != nil {
		mux.Handle("/webhook/channel", handlers.ChannelWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Repository != nil {
		if err := s.deps.Repository.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orderCode := strings.TrimSpace(r.URL.Query().Get("order"))
	if orderCode == "" {
		http.Error(w, "missing order parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"order": orderCode,
		"paid":  s.deps.Funnel.IsPaid(r.Context(), orderCode),
	})
}

func (s *Server) handleMarkComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		OrderCode string `json:"order_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.OrderCode) == "" {
		http.Error(w, "missing order_code", http.StatusBadRequest)
		return
	}
	if err := s.deps.Funnel.MarkComplete(r.Context(), body.OrderCode); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "order not found or already finished", http.StatusNotFound)
			return
		}
		s.logger.Error("failed marking order complete", "order", body.OrderCode, "error", err)
		http.Error(w, "failed marking complete", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "order": body.OrderCode})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.deps.Repository.QueueHealth(r.Context())
	if err != nil {
		s.logger.Error("failed reading queue health", "error", err)
		http.Error(w, "failed reading queue health", http.StatusInternalServerError)
		return
	}
	writeJSON(w, health)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.EventID) == "" {
		http.Error(w, "missing event_id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Queue.ExecuteNow(r.Context(), body.EventID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		s.logger.Error("replay failed", "event_id", body.EventID, "error", err)
		http.Error(w, fmt.Sprintf("replay failed: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "event_id": body.EventID})
}

func (s *Server) handleLeadsCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	leads, err := s.deps.Repository.ListLeads(r.Context())
	if err != nil {
		s.logger.Error("failed listing leads", "error", err)
		http.Error(w, "failed listing leads", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="leads.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"phone", "assigned_channel", "customer_name", "created_at"})
	for _, lead := range leads {
		name := ""
		if lead.CustomerName != nil {
			name = *lead.CustomerName
		}
		_ = writer.Write([]string{lead.Phone, lead.AssignedChannel, name, lead.CreatedAt.Format(time.RFC3339)})
	}
	writer.Flush()
}

func (s *Server) handleSendTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Sender == nil {
		http.Error(w, "no sender configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Channel string `json:"channel"`
		Phone   string `json:"phone"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" || body.Phone == "" || body.Text == "" {
		http.Error(w, "missing channel, phone or text", http.StatusBadRequest)
		return
	}
	normalized, err := phone.Normalize(body.Phone)
	if err != nil {
		http.Error(w, "invalid phone", http.StatusBadRequest)
		return
	}
	if err := s.deps.Sender.SendText(r.Context(), body.Channel, normalized, body.Text); err != nil {
		s.logger.Error("test send failed", "channel", body.Channel, "error", err)
		http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "sent"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
