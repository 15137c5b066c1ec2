// streamtest opens a single site stream connection and prints what arrives.
// Usage: go run ./cmd/streamtest -config configs/sitestream.yaml -ids 12,34
//
// Without -verbose it prints "For user <id>: <text>" for each status. With
// -verbose every decoded frame is printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/sitestream/internal/app"
	"github.com/rickgao/sitestream/internal/config"
	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/model"
	"github.com/rickgao/sitestream/internal/source"
)

func main() {
	configPath := flag.String("config", "configs/sitestream.yaml", "path to config file")
	idList := flag.String("ids", "", "comma-separated user IDs (default: subscriptions from config)")
	mode := flag.String("mode", "", "override stream.mode (user or followings)")
	verbose := flag.Bool("verbose", false, "print every decoded frame as JSON")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Stream.Mode = *mode
	}

	ids, err := streamIDs(*idList, cfg)
	if err != nil {
		logger.Error("invalid ids", "error", err)
		os.Exit(1)
	}

	signer, err := app.NewSigner(cfg.Auth)
	if err != nil {
		logger.Error("failed to create signer", "error", err)
		os.Exit(1)
	}

	handler := connection.PrintHandler(os.Stdout)
	if *verbose {
		handler = jsonHandler(logger)
	}

	conn, err := connection.NewConnection(ids, connection.Mode(cfg.Stream.Mode), signer,
		app.ConnectionConfig(cfg.Stream),
		connection.WithHandler(handler),
		connection.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create connection", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	runner := connection.NewRunner(conn)
	if err := runner.Start(ctx); err != nil {
		logger.Error("failed to start stream", "error", err)
		os.Exit(1)
	}
	logger.Info("streaming started - press Ctrl+C to stop",
		"url", cfg.Stream.URL,
		"mode", cfg.Stream.Mode,
		"ids", len(ids),
	)

	// The runner also exits on its own once retries are exhausted.
	done := make(chan struct{})
	go func() {
		runner.Wait(context.Background())
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}

	runner.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	runner.Wait(waitCtx)

	st := runner.Status()
	logger.Info("stream stopped",
		"state", st.State,
		"healthy", st.Healthy,
		"error_count", st.ErrorCount,
		"last_error", st.LastError,
	)
	if !st.Healthy {
		os.Exit(1)
	}
}

// streamIDs parses -ids, falling back to the configured subscriptions.
func streamIDs(list string, cfg *config.Config) ([]int64, error) {
	if list == "" {
		return app.Subscriptions(cfg.Subscriptions)
	}
	return source.Parse(strings.NewReader(list))
}

// jsonHandler prints each decoded frame on its own line.
func jsonHandler(logger *slog.Logger) connection.FrameHandler {
	enc := json.NewEncoder(os.Stdout)
	return connection.FrameHandlerFunc(func(frame string) {
		msg, err := model.Decode(frame)
		if err != nil {
			logger.Warn("undecodable frame", "error", err, "size", len(frame))
			return
		}
		if err := enc.Encode(struct {
			ForUser string          `json:"for_user,omitempty"`
			Kind    string          `json:"kind"`
			Message json.RawMessage `json:"message"`
		}{msg.ForUser, msg.Kind, msg.Raw}); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
}
