// Package gateway talks to external messaging-channel gateways: one HTTP API
// per channel for sending texts and probing health. Inbound traffic arrives
// through the webhook handler in this package.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-funnel/internal/cache"
	"wa-funnel/internal/metrics"
)

const defaultHealthTTL = 30 * time.Second

// Config holds gateway client configuration.
type Config struct {
	// BaseURLs maps channel id to the gateway base URL for that channel.
	BaseURLs map[string]string
	Token    string
	Timeout  time.Duration
}

// Client sends outbound texts through per-channel gateway APIs.
type Client struct {
	logger    *slog.Logger
	cfg       Config
	http      *http.Client
	metrics   *metrics.Metrics
	cache     *cache.Redis
	healthTTL time.Duration
}

// New creates a gateway client. redis may be nil, disabling the health cache.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, redis *cache.Redis) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	urls := make(map[string]string, len(cfg.BaseURLs))
	for channel, base := range cfg.BaseURLs {
		urls[channel] = strings.TrimRight(base, "/")
	}
	cfg.BaseURLs = urls
	cfg.Timeout = timeout
	return &Client{
		logger:    logger.With("component", "gateway"),
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout},
		metrics:   m,
		cache:     redis,
		healthTTL: defaultHealthTTL,
	}
}

// SendText delivers a text message to the phone through the channel's gateway.
func (c *Client) SendText(ctx context.Context, channel, phoneNumber, text string) error {
	base, ok := c.cfg.BaseURLs[channel]
	if !ok {
		return fmt.Errorf("no gateway configured for channel %s", channel)
	}

	body, err := json.Marshal(map[string]string{"phone": phoneNumber, "text": text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.countError()
		return fmt.Errorf("gateway send via %s: %w", channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		c.countError()
		return fmt.Errorf("gateway send via %s: %s", channel, resp.Status)
	}

	if c.metrics != nil {
		c.metrics.ChannelMessages.WithLabelValues(channel, "outbound").Inc()
	}
	return nil
}

// Healthy probes the channel gateway, caching the verdict briefly so the
// balancer does not hammer the health endpoint on every assignment.
func (c *Client) Healthy(ctx context.Context, channel string) bool {
	base, ok := c.cfg.BaseURLs[channel]
	if !ok {
		return false
	}

	cacheKey := "gateway:health:" + channel
	if c.cache != nil {
		var cached bool
		if ok, err := c.cache.GetJSON(ctx, cacheKey, &cached); err == nil && ok {
			return cached
		}
	}

	healthy := c.probe(ctx, base)
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, healthy, c.healthTTL); err != nil {
			c.logger.Warn("health cache write failed", "channel", channel, "error", err)
		}
	}
	return healthy
}

func (c *Client) probe(ctx context.Context, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode < 300
}

func (c *Client) countError() {
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues("gateway").Inc()
	}
}
