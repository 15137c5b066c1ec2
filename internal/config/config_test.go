package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-stream
stream:
  url: https://stream.example.com/2b/site.json
  mode: followings
  retry_delay: 3s
auth:
  scheme: oauth1
  consumer_key: ck
subscriptions:
  ids: [12, 13, 14]
archive:
  enabled: true
  database:
    host: localhost
    port: 5432
    name: test_db
    user: testuser
    password: testpass
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-stream" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-stream")
	}
	if cfg.Stream.URL != "https://stream.example.com/2b/site.json" {
		t.Errorf("Stream.URL = %q", cfg.Stream.URL)
	}
	if cfg.Stream.Mode != "followings" {
		t.Errorf("Stream.Mode = %q, want followings", cfg.Stream.Mode)
	}
	if cfg.Stream.RetryDelay != 3*time.Second {
		t.Errorf("Stream.RetryDelay = %v, want 3s", cfg.Stream.RetryDelay)
	}
	if len(cfg.Subscriptions.IDs) != 3 || cfg.Subscriptions.IDs[0] != 12 {
		t.Errorf("Subscriptions.IDs = %v", cfg.Subscriptions.IDs)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Database.Host != "localhost" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	// Load alone does not apply defaults.
	if cfg.Stream.GroupLimit != 0 {
		t.Errorf("Stream.GroupLimit = %d, want 0 before defaults", cfg.Stream.GroupLimit)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CONSUMER_SECRET", "secret123")
	t.Setenv("TEST_DB_PASSWORD", "dbpass")

	yaml := `
instance:
  id: test-stream
auth:
  consumer_secret: ${TEST_CONSUMER_SECRET}
archive:
  database:
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.ConsumerSecret != "secret123" {
		t.Errorf("Auth.ConsumerSecret = %q, want %q", cfg.Auth.ConsumerSecret, "secret123")
	}
	if cfg.Archive.Database.Password != "dbpass" {
		t.Errorf("Archive.Database.Password = %q, want %q", cfg.Archive.Database.Password, "dbpass")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeTempFile(t, "instance: [not, a, map\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("TEST_STREAM_MODE", "")

	tests := []struct {
		name    string
		yaml    string
		check   func(*testing.T, *Config)
		wantErr string
	}{
		{
			name: "fallback for unset variable",
			yaml: "stream:\n  mode: ${TEST_STREAM_MODE:-user}\n  url: ${TEST_STREAM_URL_UNSET}\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Stream.Mode != "user" {
					t.Errorf("Stream.Mode = %q, want user", cfg.Stream.Mode)
				}
				if cfg.Stream.URL != "" {
					t.Errorf("Stream.URL = %q, want empty", cfg.Stream.URL)
				}
			},
		},
		{
			name: "empty document",
			yaml: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Instance.ID != "" {
					t.Errorf("Instance.ID = %q, want empty", cfg.Instance.ID)
				}
			},
		},
		{
			name:    "unknown key",
			yaml:    "stream:\n  group_limt: 50\n",
			wantErr: "field group_limt not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_ErrorNamesPath(t *testing.T) {
	path := writeTempFile(t, "pool:\n  restart: false\n")
	_, err := Load(path)
	if err == nil || !strings.HasPrefix(err.Error(), path+": ") {
		t.Errorf("Load() error = %v, want prefix %q", err, path)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-stream
subscriptions:
  ids: [1]
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Stream.URL != DefaultStreamURL {
		t.Errorf("Stream.URL = %q, want default %q", cfg.Stream.URL, DefaultStreamURL)
	}
	if cfg.Stream.GroupLimit != DefaultGroupLimit {
		t.Errorf("Stream.GroupLimit = %d, want default %d", cfg.Stream.GroupLimit, DefaultGroupLimit)
	}
	if cfg.Stream.RetryDelay != DefaultRetryDelay {
		t.Errorf("Stream.RetryDelay = %v, want default %v", cfg.Stream.RetryDelay, DefaultRetryDelay)
	}
	if cfg.Stream.IOTimeout != DefaultIOTimeout {
		t.Errorf("Stream.IOTimeout = %v, want default %v", cfg.Stream.IOTimeout, DefaultIOTimeout)
	}
	if cfg.Stream.Backoff != DefaultBackoff {
		t.Errorf("Stream.Backoff = %q, want default %q", cfg.Stream.Backoff, DefaultBackoff)
	}
	if cfg.Pool.NonfullThreshold != DefaultNonfullThreshold {
		t.Errorf("Pool.NonfullThreshold = %d, want default %d", cfg.Pool.NonfullThreshold, DefaultNonfullThreshold)
	}
	if cfg.Pool.ConsolidateGrace != DefaultConsolidateGrace {
		t.Errorf("Pool.ConsolidateGrace = %v, want default %v", cfg.Pool.ConsolidateGrace, DefaultConsolidateGrace)
	}
	if cfg.Archive.Database.Port != DefaultDBPort {
		t.Errorf("Archive.Database.Port = %d, want default %d", cfg.Archive.Database.Port, DefaultDBPort)
	}
	if cfg.Archive.Database.MaxConns != DefaultMaxConns {
		t.Errorf("Archive.Database.MaxConns = %d, want default %d", cfg.Archive.Database.MaxConns, DefaultMaxConns)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, DefaultServerPort)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging = %+v, want defaults", cfg.Logging)
	}
}

func TestLoadAndValidate(t *testing.T) {
	yaml := `
instance:
  id: test-stream
auth:
  scheme: oauth1
  consumer_key: ck
  consumer_secret: cs
  token: tk
  token_secret: ts
subscriptions:
  ids: [1, 2, 3]
`
	cfg, err := LoadAndValidate(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if cfg.Auth.Scheme != "oauth1" {
		t.Errorf("Auth.Scheme = %q", cfg.Auth.Scheme)
	}

	_, err = LoadAndValidate(writeTempFile(t, "instance:\n  id: x\n"))
	if err == nil || !strings.HasPrefix(err.Error(), "validate config: ") {
		t.Errorf("LoadAndValidate() error = %v, want validate error", err)
	}
}

// validConfig returns a config that passes Validate.
func validConfig() Config {
	cfg := Config{
		Instance: InstanceConfig{ID: "test"},
		Auth: AuthConfig{
			Scheme:         "oauth1",
			ConsumerKey:    "ck",
			ConsumerSecret: "cs",
			Token:          "tk",
			TokenSecret:    "ts",
		},
		Subscriptions: SubscriptionsConfig{IDs: []int64{1, 2}},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "bad stream url",
			mutate:  func(c *Config) { c.Stream.URL = "ws://stream.example.com" },
			wantErr: `stream.url must be an http or https URL, got "ws://stream.example.com"`,
		},
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Stream.Mode = "family" },
			wantErr: "'family' is an invalid value for stream.mode",
		},
		{
			name:    "sub-second delay with square backoff",
			mutate:  func(c *Config) { c.Stream.RetryDelay = 500 * time.Millisecond },
			wantErr: "stream.retry_delay must be >= 1s with square backoff, got 500ms",
		},
		{
			name: "sub-second delay with exponential backoff",
			mutate: func(c *Config) {
				c.Stream.Backoff = "exponential"
				c.Stream.RetryDelay = 500 * time.Millisecond
			},
			wantErr: "",
		},
		{
			name:    "unknown backoff",
			mutate:  func(c *Config) { c.Stream.Backoff = "linear" },
			wantErr: `stream.backoff must be square or exponential, got "linear"`,
		},
		{
			name:    "poll interval over io timeout",
			mutate:  func(c *Config) { c.Stream.PollInterval = time.Minute },
			wantErr: "stream.poll_interval must be > 0 and <= io_timeout",
		},
		{
			name:    "oauth1 missing token",
			mutate:  func(c *Config) { c.Auth.Token = "" },
			wantErr: "auth.token and auth.token_secret are required for oauth1",
		},
		{
			name:    "rsa missing key path",
			mutate:  func(c *Config) { c.Auth = AuthConfig{Scheme: "rsa", KeyID: "k"} },
			wantErr: "auth.private_key_path is required for rsa",
		},
		{
			name:    "unknown auth scheme",
			mutate:  func(c *Config) { c.Auth.Scheme = "basic" },
			wantErr: `auth.scheme must be oauth1 or rsa, got "basic"`,
		},
		{
			name:    "no subscriptions",
			mutate:  func(c *Config) { c.Subscriptions = SubscriptionsConfig{} },
			wantErr: "subscriptions.ids or subscriptions.file is required",
		},
		{
			name:    "subscription file only",
			mutate:  func(c *Config) { c.Subscriptions = SubscriptionsConfig{File: "ids.txt"} },
			wantErr: "",
		},
		{
			name:    "negative subscription id",
			mutate:  func(c *Config) { c.Subscriptions.IDs = []int64{5, -1} },
			wantErr: "subscriptions.ids must be positive, got -1",
		},
		{
			name: "archive missing password",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database.Host = "db"
				c.Archive.Database.Name = "n"
				c.Archive.Database.User = "u"
			},
			wantErr: "archive.database.password is required",
		},
		{
			name: "archive min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "archive.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Kafka.Enabled = true },
			wantErr: "kafka.brokers is required when kafka is enabled",
		},
		{
			name:    "router max below initial",
			mutate:  func(c *Config) { c.Router.MaxBufferSize = 10 },
			wantErr: "router.max_buffer_size (10) cannot be less than buffer_size (1000)",
		},
		{
			name:    "server port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestExampleConfig(t *testing.T) {
	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "sitestream.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Instance.ID == "" || cfg.Auth.ConsumerKey == "" {
		t.Errorf("fallbacks not applied: %+v %+v", cfg.Instance, cfg.Auth)
	}
	if len(cfg.Archive.Kinds) == 0 {
		t.Error("archive.kinds is empty")
	}
}
