package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/campuslink/chat-app/internal/anonymous"
	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/config"
	"github.com/campuslink/chat-app/internal/db"
	"github.com/campuslink/chat-app/internal/delivery"
	"github.com/campuslink/chat-app/internal/gateway"
	"github.com/campuslink/chat-app/internal/httpapi"
	"github.com/campuslink/chat-app/internal/message"
	"github.com/campuslink/chat-app/internal/messaging"
	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/ratelimit"
	"github.com/campuslink/chat-app/internal/report"
	"github.com/campuslink/chat-app/internal/typing"
	"github.com/campuslink/chat-app/internal/ws"
)

// broadcaster is what the services fan events out through: the server
// itself on a single instance, or the NATS room bus across instances.
type broadcaster interface {
	Broadcast(room string, data []byte)
}

func main() {
	cfg, err := config.Load("campus")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- Postgres ---
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	log.Printf("Campus chat server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %q", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  scorer_mode:     %q", cfg.ScorerMode)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, verifier, dispatcher.Dispatch)
	server.SetConnectLimiter(ratelimit.NewLimiter(rdb).For(ratelimit.RuleConnect))
	server.SetOnDisconnect(func(c *ws.Connection) {
		log.Printf("[disconnect] conn=%s user=%q", c.ID, c.UserID())
	})

	// --- NATS (optional) ---
	var (
		bus        broadcaster = server
		natsClient *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "campus-chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		roomBus := messaging.NewRoomBus(natsClient, server)
		if err := roomBus.Start(natsClient); err != nil {
			log.Fatalf("failed to subscribe to room broadcasts: %v", err)
		}
		bus = roomBus
		server.AddHealthCheck("nats", natsClient.Ping)
	}
	server.AddHealthCheck("postgres", sqlDB.PingContext)
	server.AddHealthCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	// --- Services ---
	directSvc := delivery.NewService(message.NewStore(sqlDB), bus, cfg.DirectMaxLength)

	anonCfg := anonymous.DefaultConfig()
	anonCfg.MaxLength = cfg.AnonMaxLength
	anonCfg.FlagThreshold = cfg.FlagThreshold
	anonCfg.ScoreTimeout = cfg.ScorerTimeout
	anonCfg.ToxicityThreshold = cfg.ToxicityThreshold
	anonLimiter := ratelimit.NewSlidingWindow(rdb, ratelimit.Rule{
		Key:    ratelimit.RuleAnonymous.Key,
		Limit:  cfg.AnonRateLimit,
		Window: cfg.AnonRateWindow,
	})
	anonSvc := anonymous.NewService(anonCfg,
		anonymous.NewStore(sqlDB),
		report.NewStore(sqlDB),
		ban.NewStore(rdb),
		anonLimiter,
		moderation.NewFilter(),
		bus,
	)
	switch cfg.ScorerMode {
	case "http":
		anonSvc.SetScorer(moderation.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerToken, cfg.ScorerTimeout))
	case "nats":
		if natsClient == nil {
			log.Fatalf("scorer_mode=nats requires nats_url")
		}
		anonSvc.SetScorer(moderation.NewNATSScorer(natsClient, messaging.SubjectModeration))
	}

	typingLimiter := ratelimit.NewKeyedLimiter(cfg.TypingPerSecond, cfg.TypingBurst, time.Minute)
	relay := typing.NewRelay(typingLimiter, bus)

	gateway.New(dispatcher, server, directSvc, anonSvc, relay).Register()

	// --- HTTP ---
	router := mux.NewRouter()
	router.Handle("/ws", server)
	router.HandleFunc("/health", server.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler())
	httpapi.New(verifier, directSvc, anonSvc).Register(router.PathPrefix("/api").Subrouter())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		typingLimiter.Stop()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := sqlDB.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(router); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
