package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/sink"
	"taskboard/storage"
	"taskboard/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnStr != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	backend, err := openBackend(ctx, cfg, rc)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	notifier := domain.NewNotifier(logger)
	tasks := store.NewTaskStore(backend, notifier, logger)
	kanban := store.NewKanbanStore(tasks, backend, logger)
	defer kanban.Close()
	focus := store.NewFocus(tasks, logger)
	defer focus.Close()

	if err := tasks.Load(ctx); err != nil {
		log.WithError(err).Warn("starting with an empty task list")
	}
	if err := kanban.Load(ctx); err != nil {
		log.WithError(err).Warn("starting without boards")
	}

	sinks, err := buildSinks(ctx, cfg, rc)
	if err != nil {
		log.Fatalf("notification sinks: %v", err)
	}
	var dispatcher *sink.Dispatcher
	if len(sinks) > 0 {
		dispatcher = sink.NewDispatcher(cfg.Dispatcher, logger, sinks...)
		dispatcher.Attach(notifier)
		defer dispatcher.Shutdown()
	}

	auth, err := buildAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	broker := api.NewBroker()
	broker.Attach(notifier)

	svc := api.Services{
		Tasks:         tasks,
		Kanban:        kanban,
		Focus:         focus,
		Broker:        broker,
		Auth:          auth,
		Settings:      cfg.Settings,
		FocusDuration: cfg.FocusDuration,
		Logger:        logger,
	}
	if rc != nil {
		svc.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}
	if dispatcher != nil {
		svc.DispatcherStats = dispatcher.Stats
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	api.Register(e, svc)

	go func() {
		log.Infof("listening on %s (storage: %s)", cfg.ListenAddr, cfg.Backend)
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
}

func openBackend(ctx context.Context, cfg config.Config, rc *redis.Client) (storage.Backend, error) {
	var backend storage.Backend
	switch cfg.Backend {
	case config.BackendMemory:
		backend = storage.NewMemory()
	case config.BackendFile:
		f, err := storage.NewFile(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		backend = f
	case config.BackendRedis:
		backend = storage.NewRedis(rc, "taskboard:")
	case config.BackendTables:
		t, err := storage.NewTables(cfg.StorageConnStr, cfg.SnapshotTable, storage.DefaultPartition)
		if err != nil {
			return nil, err
		}
		if err := t.EnsureTable(ctx); err != nil {
			return nil, err
		}
		backend = t
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	if cfg.SnapshotCache > 0 && rc != nil && cfg.Backend != config.BackendRedis {
		backend = storage.NewCache(backend, rc, cfg.SnapshotCache)
	}
	return backend, nil
}

func buildSinks(ctx context.Context, cfg config.Config, rc *redis.Client) ([]sink.Sink, error) {
	var sinks []sink.Sink
	if rc != nil {
		sinks = append(sinks, sink.NewRedisPublisher(rc, cfg.NotifyChannel))
	}
	if cfg.NotifyQueue != "" {
		q, err := sink.NewQueueSink(cfg.StorageConnStr, cfg.NotifyQueue, "taskboard")
		if err != nil {
			return nil, err
		}
		if err := q.EnsureQueue(ctx); err != nil {
			return nil, fmt.Errorf("queue %s: %w", cfg.NotifyQueue, err)
		}
		sinks = append(sinks, q)
	}
	return sinks, nil
}

func buildAuth(cfg config.Config) (api.Authenticator, error) {
	switch {
	case cfg.AuthTestMode:
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			return nil, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		return api.NewSharedSecretAuth([]byte(secret), cfg.AuthAudience, ""), nil
	case cfg.AuthDomain != "":
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/"), nil
	default:
		log.Warn("authentication disabled; serving the local user")
		return api.Anonymous{}, nil
	}
}
