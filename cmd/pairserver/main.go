// Command pairserver runs the proximity pairing WebSocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/config"
	"github.com/proxipair/pairing-server/internal/logger"
	"github.com/proxipair/pairing-server/internal/messaging"
	"github.com/proxipair/pairing-server/internal/pairing"
	"github.com/proxipair/pairing-server/internal/protocol"
	"github.com/proxipair/pairing-server/internal/ratelimit"
	"github.com/proxipair/pairing-server/internal/session"
	"github.com/proxipair/pairing-server/internal/ws"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "pairserver: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "pairserver")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("pairing server starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Int("worker_pool", cfg.Server.WorkerPoolSize),
		zap.Int("max_connections", cfg.Server.MaxConnections),
		zap.Float64("pairing_distance_m", cfg.Pairing.PairingDistanceMeters),
		zap.Float64("heading_tolerance_deg", cfg.Pairing.HeadingToleranceDegrees),
		zap.Float64("cell_size_deg", cfg.Pairing.CellSizeDegrees),
		zap.Bool("relaxed_matching", cfg.Pairing.RelaxedMatching),
		zap.Int("static_pairs", len(cfg.Pairing.StaticPairs)),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("server_name", cfg.ServerName))
	if cfg.Pairing.RelaxedMatching {
		log.Warn("relaxed matching enabled: heading and facing checks are skipped")
	}

	// --- NATS (optional) ---
	var engineOpts []pairing.Option
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		engineOpts = append(engineOpts, pairing.WithObserver(messaging.NewPairingPublisher(nc, cfg.ServerName, log)))
	}

	engine := pairing.NewEngine(cfg.Pairing, log, engineOpts...)

	// --- Redis (optional) ---
	var (
		sessions ws.SessionStore
		store    *session.Store
		limiter  *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		client, err := session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		store = session.NewStore(client, cfg.ServerName)
		defer store.Close()
		sessions = store
		limiter = ratelimit.NewLimiter(client, log)
	}

	dispatcher := ws.NewMessageDispatcher(log)
	server := ws.NewServer(cfg.Server, sessions, dispatcher.Dispatch, log)

	handler := newReportHandler(engine, server, log)
	handler.rule = ratelimit.NewReportRule(cfg.ReportRateLimit, cfg.ReportRateWindow)
	if store != nil {
		handler.presence = store
		handler.limiter = limiter
	}
	dispatcher.Register(protocol.TypePosition, handler.HandlePosition)

	server.SetOnConnect(engine.Connect)
	server.SetOnDisconnect(handler.Disconnect)
	server.SetStatsFunc(func() interface{} { return engine.Stats() })

	if cfg.Pairing.SweepInterval > 0 {
		go pairing.StartSweep(ctx, engine, cfg.Pairing.SweepInterval, log)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	stats := engine.Stats()
	log.Info("pairing server stopped",
		zap.Uint64("cache_hits", stats.CacheHits),
		zap.Uint64("cache_misses", stats.CacheMisses))
	return nil
}
