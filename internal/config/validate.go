package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}

	if c.Pool.NonfullThreshold < 1 {
		return errors.New("pool.nonfull_threshold must be >= 1")
	}
	if c.Pool.NonfullStreamLimit < 1 {
		return errors.New("pool.nonfull_stream_limit must be >= 1")
	}
	if c.Pool.MonitorInterval <= 0 {
		return errors.New("pool.monitor_interval must be > 0")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if len(c.Subscriptions.IDs) == 0 && c.Subscriptions.File == "" {
		return errors.New("subscriptions.ids or subscriptions.file is required")
	}
	for _, id := range c.Subscriptions.IDs {
		if id <= 0 {
			return fmt.Errorf("subscriptions.ids must be positive, got %d", id)
		}
	}

	if c.Router.MaxBufferSize < c.Router.BufferSize {
		return fmt.Errorf("router.max_buffer_size (%d) cannot be less than buffer_size (%d)", c.Router.MaxBufferSize, c.Router.BufferSize)
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required when kafka is enabled")
		}
	}

	if c.Tap.RateLimit < 0 {
		return errors.New("tap.rate_limit must be >= 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("stream.url must be an http or https URL, got %q", s.URL)
	}
	if s.Mode != "user" && s.Mode != "followings" {
		return fmt.Errorf("'%s' is an invalid value for stream.mode", s.Mode)
	}
	if s.GroupLimit < 1 {
		return errors.New("stream.group_limit must be >= 1")
	}
	if s.RetryLimit < 1 {
		return errors.New("stream.retry_limit must be >= 1")
	}
	switch s.Backoff {
	case "square":
		// Squaring a delay under one second shrinks it.
		if s.RetryDelay < time.Second {
			return fmt.Errorf("stream.retry_delay must be >= 1s with square backoff, got %v", s.RetryDelay)
		}
	case "exponential":
		if s.RetryDelay <= 0 {
			return errors.New("stream.retry_delay must be > 0")
		}
		if s.MaxRetryDelay < s.RetryDelay {
			return errors.New("stream.max_retry_delay cannot be less than retry_delay")
		}
	default:
		return fmt.Errorf("stream.backoff must be square or exponential, got %q", s.Backoff)
	}
	if s.IOTimeout <= 0 {
		return errors.New("stream.io_timeout must be > 0")
	}
	if s.PollInterval <= 0 || s.PollInterval > s.IOTimeout {
		return errors.New("stream.poll_interval must be > 0 and <= io_timeout")
	}
	return nil
}

func (a *AuthConfig) validate() error {
	switch a.Scheme {
	case "oauth1":
		if a.ConsumerKey == "" || a.ConsumerSecret == "" {
			return errors.New("auth.consumer_key and auth.consumer_secret are required for oauth1")
		}
		if a.Token == "" || a.TokenSecret == "" {
			return errors.New("auth.token and auth.token_secret are required for oauth1")
		}
	case "rsa":
		if a.KeyID == "" {
			return errors.New("auth.key_id is required for rsa")
		}
		if a.PrivateKeyPath == "" {
			return errors.New("auth.private_key_path is required for rsa")
		}
	default:
		return fmt.Errorf("auth.scheme must be oauth1 or rsa, got %q", a.Scheme)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
