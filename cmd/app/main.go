package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-funnel/internal/balancer"
	"wa-funnel/internal/cache"
	"wa-funnel/internal/config"
	"wa-funnel/internal/delivery"
	"wa-funnel/internal/funnel"
	"wa-funnel/internal/gateway"
	"wa-funnel/internal/httpserver"
	"wa-funnel/internal/logging"
	"wa-funnel/internal/metrics"
	"wa-funnel/internal/payments"
	"wa-funnel/internal/repo"
	"wa-funnel/internal/scheduler"
	"wa-funnel/internal/wa"
	"wa-funnel/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-funnel", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	var gatewayClient *gateway.Client
	if len(cfg.ChannelGatewayURLs) > 0 {
		gatewayClient = gateway.New(gateway.Config{
			BaseURLs: cfg.ChannelGatewayURLs,
			Token:    cfg.GatewayToken,
			Timeout:  cfg.GatewayTimeout,
		}, logger, metricRegistry, redisClient)
	}

	var waClient *wa.Client
	if cfg.WhatsAppEnabled {
		waClient, err = wa.New(ctx, wa.Config{
			Channel:   cfg.WhatsAppChannel,
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
	}

	sched := scheduler.New(repository, logger, metricRegistry, scheduler.Config{
		SweepInterval:  cfg.SweepInterval,
		RecoveryWindow: cfg.RecoveryWindow,
	})

	notifier := delivery.New(delivery.Config{
		WebhookURL:  cfg.WorkflowWebhookURL,
		Timeout:     cfg.WorkflowTimeout,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		BaseDelay:   cfg.DeliveryBaseDelay,
	}, repository, sched, logger, metricRegistry)

	channels := balancer.New(repository, newHealthChecker(gatewayClient, waClient), logger, balancer.Config{
		Channels:       cfg.Channels,
		DefaultChannel: cfg.DefaultChannel,
		Window:         cfg.LeadWindow,
	})

	engine := funnel.New(repository, sched, notifier, channels, logger, metricRegistry, funnel.Config{
		PaymentWindow: cfg.PaymentWindow,
	})

	sched.Register(repo.KindPaymentTimeout, engine.HandlePaymentTimeout)
	sched.Register(repo.KindDeliveryRetry, notifier.HandleRetry)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if waClient != nil {
		waClient.SetMessageSink(engine)
		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	paymentWebhook := payments.NewWebhookHandler(logger, metricRegistry, cfg.PaymentWebhookUserMD5, cfg.PaymentWebhookPassMD5, engine)
	channelWebhook := gateway.NewWebhookHandler(logger, metricRegistry, cfg.ChannelWebhookToken, redisClient, engine)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PaymentWebhook: paymentWebhook,
		ChannelWebhook: channelWebhook,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Funnel:     engine,
		Queue:      sched,
		Sender:     newSender(gatewayClient, waClient, cfg.WhatsAppChannel),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func newRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.DatabaseURL != "" {
		return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
	return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
}

// channelHealth answers the balancer's health probes: the in-process WhatsApp
// device vouches for its own channel, every other channel is probed through
// its gateway.
type channelHealth struct {
	gateway *gateway.Client
	wa      *wa.Client
}

func newHealthChecker(gatewayClient *gateway.Client, waClient *wa.Client) balancer.HealthChecker {
	if gatewayClient == nil && waClient == nil {
		return nil
	}
	return &channelHealth{gateway: gatewayClient, wa: waClient}
}

func (h *channelHealth) Healthy(ctx context.Context, channel string) bool {
	if h.wa != nil && h.wa.Healthy(ctx, channel) {
		return true
	}
	if h.gateway != nil {
		return h.gateway.Healthy(ctx, channel)
	}
	return false
}

// channelSender routes outbound texts to the WhatsApp device or the channel's
// gateway.
type channelSender struct {
	gateway   *gateway.Client
	wa        *wa.Client
	waChannel string
}

func newSender(gatewayClient *gateway.Client, waClient *wa.Client, waChannel string) httpserver.Sender {
	if gatewayClient == nil && waClient == nil {
		return nil
	}
	return &channelSender{gateway: gatewayClient, wa: waClient, waChannel: waChannel}
}

func (s *channelSender) SendText(ctx context.Context, channel, phoneNumber, text string) error {
	if s.wa != nil && channel == s.waChannel {
		return s.wa.SendText(ctx, phoneNumber, text)
	}
	if s.gateway != nil {
		return s.gateway.SendText(ctx, channel, phoneNumber, text)
	}
	return fmt.Errorf("no sender configured for channel %s", channel)
}
