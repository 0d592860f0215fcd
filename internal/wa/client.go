// Package wa runs an in-process WhatsApp channel over whatsmeow. It behaves
// like any other sending channel: texts go out through SendText, inbound texts
// are fed to the configured sink, and Connected answers the balancer's health
// probe.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const countryCode = "55"

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	// Channel is the channel id this device represents in the funnel.
	Channel   string
	StorePath string
	LogLevel  string
}

// MessageSink receives inbound text messages.
type MessageSink interface {
	HandleInboundMessage(ctx context.Context, channel, phoneNumber, content, messageID string)
}

// Client wraps the WhatsMeow client and associated dependencies.
type Client struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	channel string
	sink    MessageSink
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	wc := &Client{
		client:  whatsmeow.NewClient(deviceStore, waLogger),
		logger:  logger.With("component", "wa", "channel", cfg.Channel),
		channel: cfg.Channel,
	}
	wc.client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// SetMessageSink registers the inbound message sink.
func (c *Client) SetMessageSink(sink MessageSink) {
	c.sink = sink
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Connected reports whether the device is online and logged in.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnected() && c.client.IsLoggedIn()
}

// Healthy lets the client double as a balancer health check for its own
// channel. Other channel ids are not this device's concern.
func (c *Client) Healthy(_ context.Context, channel string) bool {
	return channel == c.channel && c.Connected()
}

// SendText sends a text message to the phone in local normalized form.
func (c *Client) SendText(ctx context.Context, phoneNumber, text string) error {
	to := types.NewJID(countryCode+phoneNumber, types.DefaultUserServer)
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := extractText(evt.Message)
	if text == "" {
		c.logger.Debug("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	phoneNumber := evt.Info.Sender.ToNonAD().User
	c.logger.Info("received text message", "from", phoneNumber)
	if c.sink != nil {
		go c.sink.HandleInboundMessage(context.Background(), c.channel, phoneNumber, text, string(evt.Info.ID))
	}
}

func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return strings.TrimSpace(text)
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return strings.TrimSpace(ext.GetText())
	}
	return ""
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
