package app

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/rickgao/sitestream/internal/auth"
	"github.com/rickgao/sitestream/internal/config"
	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/router"
	"github.com/rickgao/sitestream/internal/server"
	"github.com/rickgao/sitestream/internal/source"
	"github.com/rickgao/sitestream/internal/tap"
	"github.com/rickgao/sitestream/internal/writer"
)

// NewLogger builds the process logger.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging.format must be text or json, got %q", cfg.Format)
	}
}

// NewSigner returns the request signer for cfg.Scheme.
func NewSigner(cfg config.AuthConfig) (connection.Signer, error) {
	switch cfg.Scheme {
	case "oauth1":
		s, err := auth.NewOAuth1(
			auth.Token{Key: cfg.ConsumerKey, Secret: cfg.ConsumerSecret},
			auth.Token{Key: cfg.Token, Secret: cfg.TokenSecret},
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "rsa":
		creds, err := auth.LoadCredentials(cfg.KeyID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		s, err := auth.NewKeySigner(creds)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", cfg.Scheme)
	}
}

// ConnectionConfig maps the stream section.
func ConnectionConfig(cfg config.StreamConfig) connection.Config {
	return connection.Config{
		URL:           cfg.URL,
		GroupLimit:    cfg.GroupLimit,
		RetryLimit:    cfg.RetryLimit,
		RetryDelay:    cfg.RetryDelay,
		IOTimeout:     cfg.IOTimeout,
		PollInterval:  cfg.PollInterval,
		Backoff:       connection.BackoffPolicy(cfg.Backoff),
		MaxRetryDelay: cfg.MaxRetryDelay,
	}
}

// SupervisorConfig maps the stream and pool sections.
func SupervisorConfig(cfg *config.Config) connection.SupervisorConfig {
	return connection.SupervisorConfig{
		Connection:         ConnectionConfig(cfg.Stream),
		NonfullThreshold:   cfg.Pool.NonfullThreshold,
		NonfullStreamLimit: cfg.Pool.NonfullStreamLimit,
		MonitorInterval:    cfg.Pool.MonitorInterval,
		ConsolidateGrace:   cfg.Pool.ConsolidateGrace,
		DisableRestart:     cfg.Pool.DisableRestart,
		RestartJoinTimeout: cfg.Pool.RestartJoinTimeout,
	}
}

// Subscriptions merges the configured IDs with those in the subscriptions
// file, if any. The result is sorted and free of duplicates.
func Subscriptions(cfg config.SubscriptionsConfig) ([]int64, error) {
	ids := slices.Clone(cfg.IDs)
	if cfg.File != "" {
		fromFile, err := source.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fromFile...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// WatcherConfig maps the subscriptions section. ok is false when reloading
// is disabled.
func WatcherConfig(cfg config.SubscriptionsConfig) (source.Config, bool) {
	if cfg.File == "" || cfg.ReloadInterval <= 0 {
		return source.Config{}, false
	}
	return source.Config{Path: cfg.File, Interval: cfg.ReloadInterval}, true
}

// RouterConfig maps the router section.
func RouterConfig(cfg config.RouterConfig) router.Config {
	return router.Config{
		BufferSize:    cfg.BufferSize,
		MaxBufferSize: cfg.MaxBufferSize,
		DedupWindow:   cfg.DedupWindow,
	}
}

// WriterConfig maps the archive section.
func WriterConfig(cfg config.ArchiveConfig) writer.Config {
	return writer.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BufferSize:    cfg.BufferSize,
		Kinds:         cfg.Kinds,
	}
}

// TapConfig maps the tap section.
func TapConfig(cfg config.TapConfig) tap.Config {
	return tap.Config{
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		SendBuffer: cfg.SendBuffer,
	}
}

// ServerConfig maps the server section.
func ServerConfig(cfg config.ServerConfig) server.Config {
	return server.Config{
		Port:        cfg.Port,
		MetricsPath: cfg.MetricsPath,
	}
}
