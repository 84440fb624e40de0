package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/champi-dev/aipics/internal/adapter/memory"
	"github.com/champi-dev/aipics/internal/adapter/repo"
	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/eventbus"
	"github.com/champi-dev/aipics/internal/feed"
	"github.com/champi-dev/aipics/internal/http/handlers"
	"github.com/champi-dev/aipics/internal/http/httpapi"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/infra/geoip"
	"github.com/champi-dev/aipics/internal/ledger"
	"github.com/champi-dev/aipics/internal/metrics"
	"github.com/champi-dev/aipics/internal/middleware"
	"github.com/champi-dev/aipics/internal/orchestrator"
	"github.com/champi-dev/aipics/internal/providers/image"
	"github.com/champi-dev/aipics/internal/providers/qwen"
	"github.com/champi-dev/aipics/internal/storage"
)

const shutdownBudget = 30 * time.Second

func main() {
	infra.LoadDotEnv()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Record store
	posts, likes, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open record store")
	}
	defer closeStore()

	// Event bus, optionally mirrored to Redis
	bus := eventbus.New(eventbus.Options{
		Buffer:           cfg.EventBuffer,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Logger:           &logger,
		Hooks:            collector,
	})
	bus.Start()

	relayDone := make(chan struct{})
	if cfg.UsesRedis() {
		rdb, err := infra.NewRedis(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect redis")
		}
		defer rdb.Close()
		relay := eventbus.NewRedisRelay(bus, rdb, cfg.RedisChannelPrefix, &logger)
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("redis relay stopped")
			}
		}()
	} else {
		close(relayDone)
	}

	// Image provider
	provider, err := newProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.ImageProvider).Msg("failed to build image provider")
	}

	orch := orchestrator.New(posts, provider, bus, orchestrator.Options{
		PollInterval: cfg.JobPollInterval,
		MaxWait:      cfg.JobMaxWait,
		MaxAttempts:  cfg.JobMaxAttempts,
		Logger:       &logger,
		Recorder:     collector,
	})
	if n, err := orch.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to resume unfinished jobs")
	} else if n > 0 {
		logger.Info().Int("jobs", n).Msg("resumed unfinished jobs")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer resolver.Close()

	app := &handlers.App{
		Jobs:     orch,
		Likes:    ledger.New(posts, likes, bus, ledger.WithLogger(&logger), ledger.WithRecorder(collector)),
		Feed:     feed.NewService(posts),
		Bus:      bus,
		GeoIP:    resolver,
		Recorder: collector,
		Logger:   logger,
		PageSize: cfg.FeedPageSize,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Verifier:    middleware.NewVerifier(cfg.JWTSecret),
		Limiter:     middleware.NewIPRateLimiter(cfg.RateLimitPerMin),
		Requests:    collector,
		CORSOrigins: cfg.CORSOrigins,
		StaticDir:   cfg.StoragePath,
		Metrics:     metrics.Handler(reg),
	})

	server := infra.NewHTTPServer(cfg, router)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr()).Str("store", cfg.StoreDriver).Str("provider", provider.Name()).Msg("API listening")
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}
	stop()

	// Graceful shutdown: stop taking requests, let jobs reach a suspension
	// point, then close every subscription.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("active_jobs", orch.Active()).Msg("jobs still running at shutdown")
	}
	bus.Stop()
	<-relayDone
	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (domain.PostRepository, domain.LikeRepository, func(), error) {
	if cfg.StoreDriver == infra.StoreDriverMemory {
		logger.Warn().Msg("using in-memory record store; data is lost on restart")
		posts := memory.NewPostRepository(nil)
		return posts, memory.NewLikeRepository(posts), func() {}, nil
	}

	if err := infra.RunMigrations(cfg.DatabaseURL, logger); err != nil {
		return nil, nil, nil, err
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	runner := infra.NewSQLRunner(pool, logger)
	return repo.NewPostRepository(runner), repo.NewLikeRepository(runner), pool.Close, nil
}

func newProvider(cfg *infra.Config, logger infra.Logger) (image.Provider, error) {
	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		return nil, err
	}
	synthetic := image.NewSyntheticProvider(image.SyntheticOptions{PollsUntilDone: 1, Store: store})
	if cfg.ImageProvider == infra.ImageProviderSynthetic {
		return synthetic, nil
	}

	client, err := qwen.NewClient(qwen.Options{
		APIKey:  cfg.QwenAPIKey,
		BaseURL: cfg.QwenBaseURL,
		Model:   cfg.QwenModel,
		Logger:  &logger,
	})
	if err != nil {
		return nil, err
	}
	if !client.HasCredentials() {
		logger.Warn().Msg("QWEN_API_KEY not set; jobs fall back to the synthetic provider")
	}
	return image.NewQwenProvider(client, store, synthetic, &logger), nil
}
