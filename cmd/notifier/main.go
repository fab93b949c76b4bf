// Command notifier delivers notifications queued on Kafka by airqualityd
// through the LINE push API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/internal/notify"
	"github.com/ab000641/air-quality-monitor/internal/queue"
	"github.com/ab000641/air-quality-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, "notifier")
	if err := run(cfg, logger); err != nil {
		logger.Error("notifier exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Transport.LineChannelToken == "" {
		return errors.New("LINE_CHANNEL_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, 3, 1, logger); err != nil {
		logger.Warn("topic creation failed", "topic", cfg.Kafka.TopicNotifications, "error", err)
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.GroupID)
	defer func() {
		stats := consumer.Stats()
		logger.Info("consumer closing", "messages", stats.Messages, "errors", stats.Errors)
		if err := consumer.Close(); err != nil {
			logger.Error("kafka consumer close error", "error", err)
		}
	}()

	transport := notify.NewLineTransport(cfg.Transport.LineChannelToken, cfg.Transport.LinePushURL,
		cfg.Transport.Timeout, cfg.Transport.RatePerSecond, logger)

	logger.Info("notifier running", "topic", cfg.Kafka.TopicNotifications, "group", cfg.Kafka.GroupID)
	err := notify.NewRelay(consumer, transport, logger).Run(ctx)
	logger.Info("shutdown complete")
	return err
}
