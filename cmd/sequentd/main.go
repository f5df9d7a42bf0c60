package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sequent/internal/admin"
	"sequent/internal/catchup"
	"sequent/internal/config"
	"sequent/internal/domain"
	"sequent/internal/httpapi"
	"sequent/internal/ingest/rabbitmq"
	"sequent/internal/linker"
	"sequent/internal/publisher"
	"sequent/internal/storage/sqlite"
	"sequent/internal/streamerror"
	"sequent/internal/subscription"
	"sequent/internal/transport"
	"sequent/internal/transport/kafka"
	"sequent/internal/transport/nats"
	"sequent/internal/worker"
)

// defaultSource is the event source label of the daemon's own log.
const defaultSource = "event-log"

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional, env-only otherwise)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("sequentd exited")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := newTransport(cfg.Transport)
	if err != nil {
		return err
	}
	defer bus.Close()

	pub := publisher.New(store, bus, cfg.Publishing.SubjectPrefix, logger)
	publishLoop := worker.NewNotifier(ctx, "publisher", pub.Unit(), worker.Backoff{
		Min:    cfg.Publishing.BackoffMin,
		Max:    cfg.Publishing.BackoffMax,
		Factor: cfg.Publishing.BackoffFactor,
	}, logger)
	defer publishLoop.Stop()

	lnk := linker.New(store, logger, func() { publishLoop.WakeUp(true) })
	linkLoop := worker.NewNotifier(ctx, "linker", lnk.Unit(), worker.Backoff{
		Min:    cfg.Linking.TimeBetweenRuns,
		Max:    cfg.Linking.Interval,
		Factor: 2,
	}, logger)
	defer linkLoop.Stop()

	// The timer sweep catches anything appended while no wake-up was
	// delivered, e.g. writes from another process sharing the database.
	linkScheduler := worker.NewScheduler("linking", cfg.Linking.StartWait, cfg.Linking.Interval, cfg.Linking.TimeBetweenRuns,
		func(ctx context.Context, budget worker.TimeBudget) {
			if _, err := lnk.LinkAllPending(ctx, budget); err != nil {
				logger.WithError(err).Error("linking sweep failed")
			}
		}, logger)
	if err := linkScheduler.Start(ctx); err != nil {
		return err
	}
	defer linkScheduler.Stop()

	// Built-in consumers. Projections plug in here; the daemon ships
	// an indexer that maintains read positions without side effects.
	handlers := map[string]subscription.EventHandler{
		"indexer": subscription.HandlerFunc(func(ctx context.Context, e domain.LinkedEvent) error { return nil }),
	}
	indexers := map[string]subscription.EventHandler{
		"indexer": handlers["indexer"],
	}
	for component := range handlers {
		pair := domain.SourceComponentPair{Source: defaultSource, Component: component}
		if err := store.EnsureSubscription(ctx, pair); err != nil {
			return err
		}
	}

	errs := streamerror.NewManager(store, streamerror.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		DelayBase:   cfg.Retry.DelayBase,
		Multiplier:  cfg.Retry.Multiplier,
	}, logger)
	discoverer := subscription.NewDiscoverer(store, cfg.Subscription.DiscoveryBatchSize, logger)
	processor := subscription.NewProcessor(store, discoverer, errs, handlers, cfg.Subscription.PageSize, logger)
	tracker := subscription.NewActivityTracker(cfg.Subscription.IdleThreshold)
	coordinator := subscription.NewCoordinator(tracker, processor.ProcessNewEvents, cfg.Subscription.MaxWorkers, logger)

	subScheduler := worker.NewScheduler("subscriptions", cfg.Subscription.TickInterval, cfg.Subscription.TickInterval, 0,
		func(ctx context.Context, _ worker.TimeBudget) {
			pairs, err := store.Subscriptions(ctx)
			if err != nil {
				logger.WithError(err).Error("list subscriptions")
				return
			}
			coordinator.TickAll(ctx, pairs)
		}, logger)
	if err := subScheduler.Start(ctx); err != nil {
		return err
	}
	defer subScheduler.Stop()

	rangeFinder := subscription.NewRangeFinder(store)
	runner := catchup.NewRunner(store, handlers, indexers, rangeFinder, cfg.Subscription.PageSize, logger)
	runner.DrainLink = func(ctx context.Context) error {
		budget := worker.TimeBudget{Deadline: time.Now().Add(time.Minute)}
		_, err := lnk.LinkAllPending(ctx, budget)
		return err
	}
	runner.DrainPublish = func(ctx context.Context) error {
		for {
			more, err := pub.PublishNextQueuedEvent(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Ingest.RabbitMQ.URL,
			Endpoints:     cfg.Ingest.RabbitMQ.Endpoints,
			Exchange:      cfg.Ingest.RabbitMQ.Exchange,
			Queue:         cfg.Ingest.RabbitMQ.Queue,
			RoutingKeys:   cfg.Ingest.RabbitMQ.RoutingKeys,
			ConsumerTag:   cfg.Ingest.RabbitMQ.ConsumerTag,
			PrefetchCount: cfg.Ingest.RabbitMQ.PrefetchCount,
			Workers:       cfg.Ingest.RabbitMQ.Workers,
			DeliveryQueue: cfg.Ingest.RabbitMQ.DeliveryQueue,
			TLS: rabbitmq.TLSConfig{
				Enabled:            cfg.Ingest.RabbitMQ.TLS.Enabled,
				InsecureSkipVerify: cfg.Ingest.RabbitMQ.TLS.InsecureSkipVerify,
				ServerName:         cfg.Ingest.RabbitMQ.TLS.ServerName,
				CAFile:             cfg.Ingest.RabbitMQ.TLS.CAFile,
				CertFile:           cfg.Ingest.RabbitMQ.TLS.CertFile,
				KeyFile:            cfg.Ingest.RabbitMQ.TLS.KeyFile,
			},
			Auth: rabbitmq.AuthConfig{
				Username: cfg.Ingest.RabbitMQ.Username,
				Password: cfg.Ingest.RabbitMQ.Password,
			},
		}, store)
		if err != nil {
			return err
		}
		adapter.OnAppend = func() { linkLoop.WakeUp(true) }
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		defer adapter.Close()
	}

	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(admin.Config{
			Network:        cfg.Admin.Network,
			Address:        cfg.Admin.Address,
			UnixSocketPath: cfg.Admin.UnixSocketPath,
			AuthToken:      cfg.Admin.AuthToken,
		}, runner)
		go func() {
			if err := adminServer.Start(ctx); err != nil {
				logger.WithError(err).Error("admin server stopped")
				stop()
			}
		}()
		defer adminServer.Close()
	}

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(store, logger)
		httpServer = &http.Server{Addr: cfg.HTTP.Address, Handler: api.Router()}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("http server stopped")
				stop()
			}
		}()
	}

	// Kick both loops once so a backlog left by a previous run drains
	// without waiting for new appends.
	linkLoop.WakeUp(true)
	publishLoop.WakeUp(true)

	logger.WithFields(logrus.Fields{
		"storage":   cfg.Storage.Path,
		"transport": cfg.Transport.Kind,
		"http":      cfg.HTTP.Address,
	}).Info("sequentd started")

	<-ctx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	coordinator.Wait()
	return nil
}

func newTransport(cfg config.TransportConfig) (transport.Publisher, error) {
	switch cfg.Kind {
	case "nats":
		return nats.NewPublisher(nats.Config{URL: cfg.NATS.URL, Name: cfg.NATS.Name, Timeout: cfg.NATS.Timeout})
	case "kafka":
		return kafka.NewPublisher(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			TLS:      kafka.TLSConfig{Enabled: cfg.Kafka.TLSEnabled, InsecureSkipVerify: cfg.Kafka.InsecureSkipVerify},
		})
	default:
		return transport.NewMemory(), nil
	}
}
