// sitestream keeps a pool of site stream connections open for a list of
// user IDs and routes every frame to the configured sinks.
//
// Usage: sitestream -config configs/sitestream.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sitestream/internal/app"
	"github.com/rickgao/sitestream/internal/config"
	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/database"
	"github.com/rickgao/sitestream/internal/metrics"
	"github.com/rickgao/sitestream/internal/publish"
	"github.com/rickgao/sitestream/internal/router"
	"github.com/rickgao/sitestream/internal/server"
	"github.com/rickgao/sitestream/internal/source"
	"github.com/rickgao/sitestream/internal/tap"
	"github.com/rickgao/sitestream/internal/version"
	"github.com/rickgao/sitestream/internal/writer"
)

const (
	shutdownTimeout  = 30 * time.Second
	statsLogInterval = time.Minute
)

func main() {
	configPath := flag.String("config", "configs/sitestream.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Bootstrap logger until the configured one is built.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err = app.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		logger.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting sitestream",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("sitestream failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sitestream stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode, err := connection.ParseMode(cfg.Stream.Mode)
	if err != nil {
		return err
	}
	signer, err := app.NewSigner(cfg.Auth)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	ids, err := app.Subscriptions(cfg.Subscriptions)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		logger.Warn("no subscriptions configured, waiting for POST /subscriptions")
	}

	prom := metrics.NewPrometheus(nil, metrics.DefaultNamespace)

	// Sinks keep running after the signal so the router can drain into them.
	sinkCtx := context.WithoutCancel(ctx)

	var (
		sinks   []router.Sink
		srvOpts []server.Option
	)

	// Archive
	var archive *writer.MessageWriter
	if cfg.Archive.Enabled {
		db := cfg.Archive.Database
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("database connected")

		archive = writer.NewMessageWriter(app.WriterConfig(cfg.Archive), pool, logger)
		if err := archive.Start(sinkCtx); err != nil {
			return err
		}
		sinks = append(sinks, archive)
		srvOpts = append(srvOpts,
			server.WithDatabase(pool),
			server.WithComponent("archive", func() any { return archive.Stats() }),
		)
	}

	// Kafka
	var publisher *publish.Publisher
	if cfg.Kafka.Enabled {
		client, err := publish.NewClient(ctx, cfg.Kafka)
		if err != nil {
			return err
		}
		publisher = publish.New(cfg.Kafka.Topic, client, logger)
		sinks = append(sinks, publisher)
		srvOpts = append(srvOpts, server.WithComponent("kafka", func() any { return publisher.Stats() }))
		logger.Info("kafka publisher ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Tap
	hub := tap.NewHub(app.TapConfig(cfg.Tap), logger)
	sinks = append(sinks, hub)

	rtr := router.NewRouter(app.RouterConfig(cfg.Router), logger, prom, sinks...)
	if err := rtr.Start(sinkCtx); err != nil {
		return err
	}

	sup, err := connection.NewSupervisor(ids, mode, signer, app.SupervisorConfig(cfg),
		connection.WithHandler(rtr),
		connection.WithLogger(logger),
		connection.WithMetrics(prom),
	)
	if err != nil {
		return err
	}

	srvOpts = append(srvOpts,
		server.WithLogger(logger),
		server.WithMetrics(prom.Handler()),
		server.WithTap(hub),
		server.WithComponent("router", func() any { return rtr.Stats() }),
		server.WithComponent("tap", func() any { return hub.Stats() }),
	)
	srv := server.New(app.ServerConfig(cfg.Server), sup, srvOpts...)

	var watcher *source.Watcher
	if wcfg, ok := app.WatcherConfig(cfg.Subscriptions); ok {
		watcher = source.NewWatcher(wcfg, sup, ids, logger)
		watcher.Start(ctx)
	}

	logger.Info("sitestream running",
		"subscriptions", len(ids),
		"runners", len(sup.Runners()),
		"mode", mode,
		"admin_url", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		logStats(gctx, logger, sup, rtr)
		return nil
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("component failed", "error", runErr)
	}

	// Runners are drained by now; flush what they delivered.
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		watcher.Stop(shutdownCtx)
	}
	if err := rtr.Stop(shutdownCtx); err != nil {
		logger.Warn("router did not drain", "error", err)
	}
	hub.Close()
	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			logger.Warn("kafka flush incomplete", "error", err)
		}
	}
	if archive != nil {
		archive.Stop(shutdownCtx)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// logStats periodically logs pool and router counters.
func logStats(ctx context.Context, logger *slog.Logger, sup *connection.Supervisor, rtr *router.Router) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := sup.Stats()
			rs := rtr.Stats()
			logger.Info("stats",
				"runners", ps.Runners,
				"healthy", ps.Healthy,
				"nonfull", ps.Nonfull,
				"subscriptions", ps.Subscriptions,
				"frames_received", rs.FramesReceived,
				"frames_routed", rs.FramesRouted,
				"duplicates", rs.Duplicates,
				"decode_errors", rs.DecodeErrors,
				"queue", rs.Queue.Count,
			)
		}
	}
}
