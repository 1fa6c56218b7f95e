// Package main provides the duel server binary: WebSocket matchmaking for
// two-player chess with an optional PostgreSQL game archive.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/frontend/websocket"
	"github.com/cory-johannsen/duel/internal/game/rules"
	"github.com/cory-johannsen/duel/internal/game/session"
	"github.com/cory-johannsen/duel/internal/observability"
	"github.com/cory-johannsen/duel/internal/server"
	"github.com/cory-johannsen/duel/internal/storage/postgres"
)

const (
	archiveDrainTimeout = 10 * time.Second
	dbHealthInterval    = 30 * time.Second
)

func main() {
	start := time.Now()

	fs := pflag.NewFlagSet("gameserver", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to configuration file (defaults and DUEL_* env when empty)")
	fs.Int("port", 8080, "WebSocket listen port")
	fs.String("log-level", "info", "minimum log level")
	fs.Bool("archive", false, "record finished games in PostgreSQL")
	_ = fs.Parse(os.Args[1:])

	v := config.NewViper()
	bindFlag(v, "websocket.port", fs.Lookup("port"))
	bindFlag(v, "logging.level", fs.Lookup("log-level"))
	bindFlag(v, "archive.enabled", fs.Lookup("archive"))
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Fatalf("reading config: %v", err)
		}
	}

	cfg, err := config.LoadFromViper(v)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("setting GOMAXPROCS", zap.Error(err))
	}

	logger.Info("starting duel server",
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		logger.Fatal("registering metrics", zap.Error(err))
	}

	health := server.NewGRPCHealth(cfg.Admin.Addr(), logger)
	lifecycle := server.NewLifecycle(logger)

	dirOpts := []session.Option{
		session.WithEngineFactory(rules.NewChessEngine),
		session.WithMetrics(metrics),
	}

	var archiver *postgres.Archiver
	if cfg.Archive.Enabled {
		ctx := context.Background()
		pool, err := connectArchive(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("preparing archive", zap.Error(err))
		}
		archiver, err = postgres.NewArchiver(postgres.NewGameRepository(pool.DB()), cfg.Archive, logger)
		if err != nil {
			logger.Fatal("creating archiver", zap.Error(err))
		}
		dirOpts = append(dirOpts, session.WithRecorder(archiver))
		health.SetServing(server.HealthArchive, true)

		stop := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				ticker := time.NewTicker(dbHealthInterval)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return nil
					case <-ticker.C:
						err := pool.Health(ctx, 5*time.Second)
						if err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
						health.SetServing(server.HealthArchive, err == nil)
					}
				}
			},
			StopFn: func() {
				close(stop)
				if err := archiver.Close(archiveDrainTimeout); err != nil {
					logger.Warn("archive drain incomplete", zap.Error(err))
				}
				pool.Close()
			},
		})
	}

	hub := websocket.NewHub(logger)
	dir := session.NewDirectory(hub, logger, dirOpts...)
	loop := session.NewLoop(dir, cfg.Session.EventBuffer, logger)

	var wsOpts []websocket.Option
	if cfg.Metrics.Enabled {
		wsOpts = append(wsOpts, websocket.WithMetricsHandler(cfg.Metrics.Path,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}
	acceptor := websocket.NewAcceptor(cfg.WebSocket, hub, loop, logger, wsOpts...)

	// Stopped in reverse: health, then websocket (clients drained into the loop), then loop.
	lifecycle.Add("session", loop)
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	lifecycle.Add("grpc-health", &server.FuncService{
		StartFn: func() error {
			health.SetServing("", true)
			health.SetServing(server.HealthMatchmaker, true)
			return health.Start()
		},
		StopFn: health.Stop,
	})

	logger.Info("duel server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		log.Fatalf("binding flag %s: %v", flag.Name, err)
	}
}

// connectArchive connects to PostgreSQL and brings the schema up to date.
func connectArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (*postgres.Pool, error) {
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	res, err := postgres.Migrate(cfg.Database.DSN(), postgres.Up, 0)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("archive ready",
		zap.String("host", cfg.Database.Host),
		zap.Uint("schema_version", res.Version),
		zap.Bool("migrated", !res.NoChange),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	return pool, nil
}
