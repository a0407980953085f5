package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	httpapi "github.com/creative-atlas/atlas-collab/internal/api/http"
	wsapi "github.com/creative-atlas/atlas-collab/internal/api/ws"
	appcollab "github.com/creative-atlas/atlas-collab/internal/application/collab"
	"github.com/creative-atlas/atlas-collab/internal/config"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/document"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/kafka"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/postgres"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/presence"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	// document store
	var store document.Store
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMax)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		store = postgres.NewDocumentRepository(pool)
	default:
		logger.Warn().Msg("using in-memory document store; documents are lost on restart")
		store = document.NewMemoryStore()
	}

	gateway := appcollab.NewGateway(
		document.NewAdapter(store, logger),
		appcollab.Options{IdleTimeout: cfg.IdleTimeout},
		logger,
	)
	defer gateway.Close()

	// event subscribers
	var presenceReader httpapi.PresenceReader
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis url error")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis error")
		}
		mirror := presence.NewMirror(rdb, presence.Options{TTL: cfg.PresenceTTL}, logger)
		mirror.Start()
		defer mirror.Close()
		defer gateway.Subscribe(mirror.Observe)()
		presenceReader = mirror
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka error")
		}
		publisher := kafka.NewPublisher(producer, cfg.KafkaTopic, kafka.Options{}, logger)
		publisher.Start()
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("kafka close failed")
			}
		}()
		defer gateway.Subscribe(publisher.Observe)()
	}

	// transport
	transport := wsapi.NewTransport(gateway, logger)
	defer transport.Close()
	wsHandler := wsapi.NewHandler(transport, wsapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		WriteQueueSize: cfg.WriteQueueSize,
		PingInterval:   cfg.PingInterval,
	}, logger)

	apiServer := httpapi.NewServer(gateway, presenceReader, wsHandler, logger)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	wsHandler.Close()
	logger.Info().Msg("http server stopped")
}
