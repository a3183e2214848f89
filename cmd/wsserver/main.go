package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/api"
	"github.com/whisper/voice-app/internal/ban"
	"github.com/whisper/voice-app/internal/config"
	"github.com/whisper/voice-app/internal/events"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/logger"
	"github.com/whisper/voice-app/internal/metrics"
	"github.com/whisper/voice-app/internal/presence"
	"github.com/whisper/voice-app/internal/protocol"
	"github.com/whisper/voice-app/internal/ratelimit"
	"github.com/whisper/voice-app/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
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

	if err := run(cfg, log); err != nil {
		log.Fatal("wsserver exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}

	// --- NATS ---
	natsConfig := events.DefaultConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "whisper-ws-" + cfg.ServerName
	natsClient, err := events.Connect(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	publisher := events.NewPublisher(natsClient, log)
	limiter := ratelimit.NewLimiter(rdb, log)
	bans := ban.NewStore(rdb)

	lobbyConfig := lobby.DefaultConfig()
	lobbyConfig.Threshold = cfg.Match.Threshold
	lobbyConfig.InitialDelay = cfg.Match.InitialDelay
	lobbyConfig.RetryInterval = cfg.Match.RetryInterval
	lobbyConfig.CleanupInterval = cfg.Match.CleanupInterval
	lobbyConfig.LookupTimeout = cfg.Match.LookupTimeout
	lobbyConfig.PresenceInterval = cfg.Presence.Interval

	lb := lobby.New(lobbyConfig, lobby.Deps{
		Recorder: publisher,
		Bans:     bans,
		Limiter:  limiter,
		Presence: presence.NewStore(rdb, cfg.ServerName, cfg.Presence.TTL),
	}, log)

	dispatcher := ws.NewMessageDispatcher(log)
	registerHandlers(dispatcher, lb)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	}

	server := ws.NewServer(serverConfig, dispatcher.Dispatch, log)
	server.SetOnDisconnect(func(c *ws.Connection) {
		lb.HandleDisconnect(c)
	})
	server.SetAdmission(func(r *http.Request) bool {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, ws.ClientIP(r), ratelimit.RuleConnect)
		return allowed
	})
	server.Handle("/api/", api.NewHandler(api.Deps{
		Users:   publisher,
		Reports: publisher,
		Bans:    bans,
		Limiter: limiter,
		Stats:   lb,
	}, cfg.CORS.AllowedOrigins, cfg.Match.LookupTimeout, log))
	server.Handle("/metrics", metrics.Handler())

	log.Info("whisper voice server starting",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.Int("worker_pool", serverConfig.WorkerPoolSize),
		zap.Int("max_connections", serverConfig.MaxConnections),
		zap.String("nats_url", natsConfig.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("server_name", cfg.ServerName),
		zap.Int("match_threshold", lobbyConfig.Threshold))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go lb.Run(ctx)

	// Graceful shutdown.
	go func() {
		<-ctx.Done()
		log.Info("received signal, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
	}()

	return server.Start()
}

// registerHandlers routes each client message type to the lobby.
func registerHandlers(d *ws.MessageDispatcher, lb *lobby.Lobby) {
	d.Register(protocol.TypeJoinQueue, func(c *ws.Connection, msg protocol.ClientMessage) {
		lb.HandleJoin(c, msg.(protocol.JoinQueueMsg))
	})
	d.Register(protocol.TypeLeaveQueue, func(c *ws.Connection, msg protocol.ClientMessage) {
		lb.HandleLeave(c, msg.(protocol.LeaveQueueMsg))
	})

	relay := func(c *ws.Connection, msg protocol.ClientMessage) {
		lb.HandleRelay(c, msg.(protocol.RelayMsg))
	}
	d.Register(protocol.TypeOffer, relay)
	d.Register(protocol.TypeAnswer, relay)
	d.Register(protocol.TypeICECandidate, relay)

	d.Register(protocol.TypeEndCall, func(c *ws.Connection, msg protocol.ClientMessage) {
		lb.HandleEndCall(c, msg.(protocol.EndCallMsg))
	})
	d.Register(protocol.TypeHeartbeat, func(c *ws.Connection, msg protocol.ClientMessage) {
		lb.HandleHeartbeat(c, msg.(protocol.HeartbeatMsg))
	})
}
