package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/ban"
	"github.com/whisper/voice-app/internal/config"
	"github.com/whisper/voice-app/internal/events"
	"github.com/whisper/voice-app/internal/logger"
	"github.com/whisper/voice-app/internal/recorder"
	"github.com/whisper/voice-app/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *migrateOnly, log); err != nil {
		log.Fatal("recorder exited", zap.Error(err))
	}
}

func run(cfg config.Config, migrateOnly bool, log *zap.Logger) error {
	log.Info("starting whisper recorder")

	// Postgres setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.Open(ctx, cfg.Postgres.DSN)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	if migrateOnly {
		log.Info("migrations applied")
		return nil
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(ctx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}

	// NATS setup.
	natsConfig := events.DefaultConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "whisper-recorder"
	natsClient, err := events.Connect(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	rec := recorder.New(db, ban.NewStore(rdb), log)
	consumer := events.NewConsumer(rec, 5*time.Second, log)
	if err := consumer.Subscribe(natsClient); err != nil {
		return fmt.Errorf("subscribe to persistence events: %w", err)
	}

	log.Info("whisper recorder running",
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("nats_url", natsConfig.URL))

	// Graceful shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("received signal, shutting down")
	return nil
}
