package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iliyamo/event-rsvp/internal/config"
	"github.com/iliyamo/event-rsvp/internal/database"
	"github.com/iliyamo/event-rsvp/internal/handler"
	"github.com/iliyamo/event-rsvp/internal/i18n"
	"github.com/iliyamo/event-rsvp/internal/logging"
	"github.com/iliyamo/event-rsvp/internal/metrics"
	"github.com/iliyamo/event-rsvp/internal/middleware"
	"github.com/iliyamo/event-rsvp/internal/qrcode"
	"github.com/iliyamo/event-rsvp/internal/queue"
	"github.com/iliyamo/event-rsvp/internal/repository"
	"github.com/iliyamo/event-rsvp/internal/router"
	"github.com/iliyamo/event-rsvp/internal/service"
	"github.com/iliyamo/event-rsvp/internal/telemetry"
)

const serviceName = "event-rsvp"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, events, closeStore, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.EventsSeedFile != "" {
		n, err := repository.LoadEventSeed(ctx, events, cfg.EventsSeedFile)
		if err != nil {
			return fmt.Errorf("seed events: %w", err)
		}
		log.Info("events seeded", "count", n, "file", cfg.EventsSeedFile)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(reg, "rsvp")

	codec := qrcode.New(
		qrcode.WithTokenBytes(cfg.QR.TokenBytes),
		qrcode.WithImageSize(cfg.QR.ImageSize),
		qrcode.WithPolicy(qrcode.Policy{GraceWindow: cfg.QR.GraceWindow, ExtendByDuration: cfg.QR.ExtendByDuration}),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(collector),
		service.WithRetry(cfg.Store.RetryAttempts, cfg.Store.RetryBackoff),
	}
	var publisher *queue.Publisher
	if cfg.Notify.Enabled {
		publisher = queue.NewPublisher(cfg.Notify.AMQPURL, cfg.Notify.Queue, log,
			queue.WithBufferSize(cfg.Notify.Buffer),
			queue.WithDialTimeout(cfg.Notify.DialTimeout),
			queue.WithPublishTimeout(cfg.Notify.PublishTimeout),
		)
		defer publisher.Close()
		opts = append(opts, service.WithNotifier(publisher))
	}
	svc := service.New(store, events, codec, opts...)

	var workers sync.WaitGroup
	if cfg.Notify.Enabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			publisher.Run(ctx)
		}()
		startConsumers(ctx, &workers, cfg, svc, log)
	}

	rdb := config.NewRedisClient(ctx, cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable; scan rate limiting and stats caching disabled")
	} else {
		defer rdb.Close()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover(), echomw.RequestID(), logging.RequestLogger(log))

	h := handler.NewParticipationHandler(svc, log)
	router.RegisterRoutes(e, svc, collector.Handler())
	router.RegisterAttendee(e, h, cfg.JWTSecret)
	router.RegisterStaff(e, h, cfg.JWTSecret, router.StaffMiddleware{
		ScanLimit:  middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
		StatsCache: middleware.NewRedisCache(cfg.Cache, rdb, log),
	})

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env, "store", cfg.Driver())
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	workers.Wait()
	return nil
}

// openStores builds the participation and event stores for the configured
// driver, running migrations first when enabled.
func openStores(cfg config.Config, log *slog.Logger) (repository.ParticipationStore, repository.EventStore, func(), error) {
	s := cfg.Store
	var (
		db      *sql.DB
		dialect repository.Dialect
		err     error
	)
	switch cfg.Driver() {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryParticipationStore(), repository.NewMemoryEventStore(), func() {}, nil
	case config.DriverSQLite:
		if s.Migrate {
			if err := database.RunMigrations("sqlite", database.SQLiteMigrationURL(s.SQLitePath), log); err != nil {
				return nil, nil, nil, err
			}
		}
		db, err = database.OpenSQLite(s.SQLitePath)
		dialect = repository.SQLiteDialect
	default:
		if s.Migrate {
			url := database.MySQLMigrationURL(s.DBUser, s.DBPass, s.DBHost, s.DBPort, s.DBName)
			if err := database.RunMigrations("mysql", url, log); err != nil {
				return nil, nil, nil, err
			}
		}
		db, err = database.OpenMySQL(s.DBUser, s.DBPass, s.DBHost, s.DBPort, s.DBName)
		dialect = repository.MySQLDialect
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.Driver(), err)
	}
	closeFn := func() { _ = db.Close() }
	return repository.NewParticipationRepo(db, dialect), repository.NewEventRepo(db), closeFn, nil
}

// startConsumers runs the notification delivery and capacity change
// consumers until ctx is cancelled.
func startConsumers(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, svc *service.Service, log *slog.Logger) {
	translator := i18n.NewTranslator(cfg.Notify.Locale, log)
	notifications := queue.NewNotificationLog(cfg.Notify.LogDir, translator, translator.DefaultLocale())

	consumers := []*queue.Consumer{
		queue.NewConsumer(cfg.Notify.AMQPURL, cfg.Notify.Queue, notifications.Handle, log),
		queue.NewConsumer(cfg.Notify.AMQPURL, cfg.Notify.CapacityQueue, queue.CapacityHandler(svc, log), log),
	}
	for _, c := range consumers {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("consumer stopped", "error", err)
			}
		}(c)
	}
}
