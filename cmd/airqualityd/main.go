package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ab000641/air-quality-monitor/internal/alert"
	"github.com/ab000641/air-quality-monitor/internal/cache"
	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/directory"
	"github.com/ab000641/air-quality-monitor/internal/httpapi"
	"github.com/ab000641/air-quality-monitor/internal/ingest"
	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/internal/notify"
	"github.com/ab000641/air-quality-monitor/internal/observability"
	"github.com/ab000641/air-quality-monitor/internal/protocol"
	"github.com/ab000641/air-quality-monitor/internal/provider"
	"github.com/ab000641/air-quality-monitor/internal/queue"
	"github.com/ab000641/air-quality-monitor/internal/region"
	"github.com/ab000641/air-quality-monitor/internal/scheduler"
	"github.com/ab000641/air-quality-monitor/internal/subscription"
	"github.com/ab000641/air-quality-monitor/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, "airqualityd")
	if err := run(cfg, logger); err != nil {
		logger.Error("airqualityd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	if err := store.RunMigrations(ctx, database.Migrations); err != nil {
		return err
	}

	// Station snapshot cache (optional).
	var (
		dirCache    directory.Cache
		ingestOpts  = []ingest.Option{ingest.WithClock(clock)}
		redisClient *redis.Client
	)
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		stationCache := cache.NewStationCache(redisClient, cfg.Redis.TTL)
		if err := stationCache.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, station reads fall back to the database", "addr", cfg.Redis.Addr, "error", err)
		}
		dirCache = stationCache
		ingestOpts = append(ingestOpts, ingest.WithCache(stationCache))
		logger.Info("station cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}

	alertTransport, nearbyTransport, closeTransport, err := buildTransports(cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	normalizer, err := provider.NewNormalizer(cfg.Provider.Schema, cfg.Provider.Timezone)
	if err != nil {
		return err
	}
	client := provider.NewClient(cfg.Provider.APIKey, cfg.Provider.StationsURL, cfg.Provider.ReadingsURL, cfg.Provider.Timeout, logger)
	pipeline := ingest.NewPipeline(client, normalizer, store, region.Default(), metrics, logger, ingestOpts...)

	dir := directory.New(store, dirCache, metrics, logger)
	subs := subscription.NewService(store, cfg.Alert.DefaultThreshold, clock, logger)
	renderer := notify.NewRenderer(cfg.Provider.Timezone)
	engine := alert.NewEngine(store, alertTransport, renderer, cfg.Alert.Cooldown, clock, metrics, logger)
	pusher := alert.NewLocationPusher(store, nearbyTransport, renderer, cfg.Transport.LocationConcurrency, metrics, logger)

	if err := bootstrap(ctx, store, pipeline, logger); err != nil {
		// The scheduled station refresh tries again.
		logger.Error("initial station refresh failed", "error", err)
	}

	sched := scheduler.New(clock, cfg.Provider.Timezone, metrics, logger)
	if err := registerJobs(sched, cfg.Schedule, pipeline, engine, pusher, logger); err != nil {
		return err
	}
	sched.Start()

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.Dependencies{
		Ready:         store,
		Directory:     dir,
		Subscriptions: subs,
		Jobs:          sched,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// bootstrap fills an empty station directory before the first readings run.
func bootstrap(ctx context.Context, store *database.Store, pipeline *ingest.Pipeline, logger *slog.Logger) error {
	n, err := store.CountStations(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	logger.Info("station directory is empty, running initial refresh")
	_, err = pipeline.RefreshStations(ctx)
	return err
}

func registerJobs(
	sched *scheduler.Scheduler,
	cfg config.ScheduleConfig,
	pipeline *ingest.Pipeline,
	engine *alert.Engine,
	pusher *alert.LocationPusher,
	logger *slog.Logger,
) error {
	jobs := []struct {
		name string
		spec config.JobSchedule
		run  func(ctx context.Context) error
	}{
		{"stations", cfg.Stations, func(ctx context.Context) error {
			res, err := pipeline.RefreshStations(ctx)
			if err == nil {
				logger.Debug("stations job result", "created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
			}
			return err
		}},
		{"readings", cfg.Readings, func(ctx context.Context) error {
			res, err := pipeline.RefreshReadings(ctx)
			if err == nil {
				logger.Debug("readings job result", "updated", res.Updated, "unmatched", res.Unmatched, "skipped", res.Skipped)
			}
			return err
		}},
		{"alerts", cfg.Alerts, func(ctx context.Context) error {
			_, err := engine.EvaluateAndDispatch(ctx)
			return err
		}},
		{"location_push", cfg.LocationPush, func(ctx context.Context) error {
			_, err := pusher.PushNearby(ctx)
			return err
		}},
	}

	for _, j := range jobs {
		schedule, err := scheduler.ParseSchedule(j.spec.Spec)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
		if err := sched.Register(scheduler.Job{
			Name:     j.name,
			Schedule: schedule,
			Grace:    j.spec.Grace,
			Run:      j.run,
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildTransports returns the transports for threshold alerts and nearby
// pushes. They differ only when messages are queued on Kafka, where each
// carries its own kind.
func buildTransports(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (alerts, nearby notify.Transport, closeFn func(), err error) {
	switch cfg.Transport.Kind {
	case config.TransportLine:
		t := notify.NewLineTransport(cfg.Transport.LineChannelToken, cfg.Transport.LinePushURL,
			cfg.Transport.Timeout, cfg.Transport.RatePerSecond, logger)
		logger.Info("delivering through LINE push", "rate_per_second", cfg.Transport.RatePerSecond)
		return t, t, func() {}, nil

	case config.TransportKafka:
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, 3, 1, logger); err != nil {
			logger.Warn("topic creation failed", "topic", cfg.Kafka.TopicNotifications, "error", err)
		}
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		closeFn := func() {
			if err := producer.Close(); err != nil {
				logger.Error("kafka producer close error", "error", err)
			}
		}
		logger.Info("queueing notifications on kafka", "topic", cfg.Kafka.TopicNotifications)
		return notify.NewKafkaTransport(producer, protocol.KindAlert, clock, logger),
			notify.NewKafkaTransport(producer, protocol.KindNearby, clock, logger),
			closeFn, nil

	case config.TransportLog:
		t := notify.NewLogTransport(logger)
		return t, t, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}
