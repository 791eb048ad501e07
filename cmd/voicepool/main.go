package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-arndt/voicepool/internal/api"
	"github.com/p-arndt/voicepool/internal/config"
	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/reaper"
	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
	"github.com/p-arndt/voicepool/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to voicepool.yaml")
	logLevel := flag.String("log-level", "", "debug|info|warn|error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}
	if cfg.Provider.APIKey == "" {
		logger.Warn("no provider API key configured, room provisioning will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dc := daily.New(daily.Options{
		APIKey:        cfg.Provider.APIKey,
		BaseURL:       cfg.Provider.APIURL,
		RoomExpiry:    time.Duration(cfg.Provider.RoomExpirySeconds) * time.Second,
		TokenExpiry:   time.Duration(cfg.Provider.TokenExpirySeconds) * time.Second,
		Timeout:       cfg.RequestTimeout(),
		RatePerSecond: cfg.Provider.RatePerSecond,
		Burst:         cfg.Provider.Burst,
	}, logger)
	defer dc.Close()

	launcher, orphans, closeLauncher, err := newLauncher(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker launcher", "driver", cfg.Worker.Driver, "error", err)
		os.Exit(1)
	}
	defer closeLauncher()

	var st *store.Store
	if cfg.DBPath != "" {
		st, err = store.New(cfg.DBPath)
		if err != nil {
			logger.Error("open store", "error", err)
			os.Exit(1)
		}
		defer st.Close()
	}

	var pub *events.RedisPublisher
	if cfg.Redis.Addr != "" {
		pub, err = events.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Channel, logger)
		if err != nil {
			// Events are advisory; run without them.
			logger.Error("redis publisher disabled", "error", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	roomPool := pool.New(dc, pool.Options{
		TargetSize:       cfg.Pool.Size,
		ReplenishWorkers: cfg.Pool.ReplenishWorkers,
		ReplenishQueue:   cfg.Pool.ReplenishQueue,
		TopUpInterval:    cfg.TopUpInterval(),
		OnDemand:         cfg.Pool.OnDemand,
	}, logger)
	roomPool.Fill(ctx, cfg.Pool.Size)
	roomPool.Start()

	mgr := session.NewManager(roomPool, dc, launcher, session.Options{
		StopTimeout: cfg.StopTimeout(),
		MaxSessions: cfg.Session.MaxSessions,
		CallbackURL: callbackBase(cfg),
		CallbackKey: cfg.APIKey,
	}, logger)

	rpr := reaper.New(mgr, cfg.IdleTimeout(), cfg.ReapInterval(), logger)
	if orphans != nil {
		rpr.SetOrphanCleaner(orphans)
	}

	srv := api.NewServer(cfg, mgr, roomPool, logger)

	if st != nil {
		mgr.SetHistory(st)
		rpr.SetStore(st)
		srv.SetHistory(st)
	}
	if pub != nil {
		mgr.SetPublisher(pub)
		srv.SetEvents(pub)
	}

	rpr.Reconcile(ctx)
	go rpr.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // connect may provision on demand
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "pool_size", cfg.Pool.Size, "driver", cfg.Worker.Driver)
		fmt.Fprintf(os.Stderr, "\n  voicepool ready at http://%s\n\n", cfg.Listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutting down...", "signal", sig.String())
	case err := <-serveErr:
		if err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}
	cancel()

	shutdown(httpServer, mgr, roomPool, cfg, logger)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// shutdown stops traffic, ends every session and deletes the buffered rooms,
// in that order.
func shutdown(httpServer *http.Server, mgr *session.Manager, roomPool *pool.Pool, cfg *config.Config, logger *slog.Logger) {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Each stop waits at most the stop timeout before a kill.
	sessCtx, sessCancel := context.WithTimeout(context.Background(), 2*cfg.StopTimeout()+10*time.Second)
	defer sessCancel()
	n := mgr.Shutdown(sessCtx)
	logger.Info("sessions terminated", "count", n)

	roomPool.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	roomPool.Drain(drainCtx)

	logger.Info("shutdown complete")
}

// newLauncher builds the configured worker driver. The docker driver also
// serves as the reaper's orphan cleaner.
func newLauncher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worker.Launcher, reaper.OrphanCleaner, func(), error) {
	switch cfg.Worker.Driver {
	case config.WorkerDriverDocker:
		dl, err := worker.NewDockerLauncher(worker.DockerOptions{
			Image:         cfg.Worker.Image,
			Command:       cfg.Worker.Command,
			Env:           cfg.Worker.Env,
			MemoryLimitMB: cfg.Worker.MemoryLimitMB,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := dl.Ping(ctx); err != nil {
			dl.Close()
			return nil, nil, nil, fmt.Errorf("docker ping failed, is Docker running? %w", err)
		}
		logger.Info("docker connection OK")
		return dl, dl, func() { dl.Close() }, nil
	default:
		pl := worker.NewProcessLauncher(worker.ProcessOptions{
			Command: cfg.Worker.Command,
			Dir:     cfg.Worker.Dir,
			Env:     cfg.Worker.Env,
			PTY:     cfg.Worker.PTY,
		}, logger)
		return pl, nil, func() {}, nil
	}
}

// callbackBase is the URL workers report to. A wildcard listen address is
// rewritten to loopback.
func callbackBase(cfg *config.Config) string {
	if cfg.CallbackURL != "" {
		return strings.TrimRight(cfg.CallbackURL, "/")
	}
	host, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
