package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripmate/realtime/internal/api"
	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/logger"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/presence"
	"github.com/tripmate/realtime/internal/ratelimit"
	"github.com/tripmate/realtime/internal/rooms"
	"github.com/tripmate/realtime/internal/session"
	"github.com/tripmate/realtime/internal/store"
	"github.com/tripmate/realtime/internal/ws"
)

var log = logger.Component("wsserver")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logger")
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("read_timeout", cfg.ReadTimeout).
		Dur("write_timeout", cfg.WriteTimeout).
		Int64("max_frame_size", cfg.MaxFrameSize).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("server_name", cfg.ServerName).
		Msg("realtime server starting")

	// --- PostgreSQL ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		ConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}
	cancel()
	st := store.NewStore(db)

	// --- Redis (optional) ---
	var sessions *session.Store
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
	} else {
		log.Warn().Msg("REDIS_ADDR not set, presence and rate limits are node-local")
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "tripmate-realtime-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
	} else {
		log.Warn().Msg("NATS_URL not set, fan-out is node-local")
	}

	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameSize:   cfg.MaxFrameSize,
	}

	var tracker ws.SessionTracker
	if sessions != nil {
		tracker = sessions
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, tracker, dispatcher.Dispatch)

	svc := chat.NewService(st, server, presence.NewRegistry(), rooms.NewManager())

	if sessions != nil {
		svc.SetPresenceMirror(sessions)

		// A previous run of this node may have left presence entries behind.
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if n, err := sessions.ClearServer(clearCtx); err != nil {
			log.Warn().Err(err).Msg("failed to clear stale presence")
		} else if n > 0 {
			log.Info().Int("users", n).Msg("cleared stale presence")
		}
		clearCancel()

		if cfg.RateLimitEnabled {
			limiter := ratelimit.NewLimiter(sessions.Client())
			svc.SetLimiter(limiter)
			server.SetUpgradeGuard(func(r *http.Request) bool {
				guardCtx, guardCancel := context.WithTimeout(r.Context(), time.Second)
				defer guardCancel()
				ok, err := limiter.Allow(guardCtx, clientIP(r), ratelimit.RuleConnect)
				if err != nil {
					log.Warn().Err(err).Msg("connect rate limit check failed")
				}
				return ok
			})
		}
	}

	var relay *messaging.Relay
	if natsClient != nil {
		relay = messaging.NewRelay(natsClient, cfg.ServerName)
		if err := relay.Start(svc); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe relay subjects")
		}
		svc.SetRelay(relay)
	}

	registerHandlers(dispatcher, svc)

	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		svc.Disconnect(ctx, connID)
	})
	server.SetOnlineUsers(svc.OnlineCount)
	server.SetDatabaseCheck(st.Ping)

	server.Handle("/api/", api.NewRouter(api.NewHandler(st, logger.Component("api"))))
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		if relay != nil {
			if err := relay.Stop(); err != nil {
				log.Warn().Err(err).Msg("relay stop error")
			}
		}
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := sessions.ClearServer(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to clear presence")
			}
			cancel()
			if err := sessions.Close(); err != nil {
				log.Error().Err(err).Msg("session store close error")
			}
		}
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// clientIP returns the remote host of r without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
