package config

import "time"

// Config is the root configuration for a sitestream instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Stream        StreamConfig        `yaml:"stream"`
	Pool          PoolConfig          `yaml:"pool"`
	Auth          AuthConfig          `yaml:"auth"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Router        RouterConfig        `yaml:"router"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Tap           TapConfig           `yaml:"tap"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds per-connection stream settings.
type StreamConfig struct {
	URL           string        `yaml:"url"`
	Mode          string        `yaml:"mode"`        // user or followings
	GroupLimit    int           `yaml:"group_limit"` // Max subscriptions per connection
	RetryLimit    int           `yaml:"retry_limit"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	IOTimeout     time.Duration `yaml:"io_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Backoff       string        `yaml:"backoff"` // square or exponential
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// PoolConfig holds supervisor settings.
type PoolConfig struct {
	NonfullThreshold   int           `yaml:"nonfull_threshold"`
	NonfullStreamLimit int           `yaml:"nonfull_stream_limit"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	ConsolidateGrace   time.Duration `yaml:"consolidate_grace"`
	DisableRestart     bool          `yaml:"disable_restart"`
	RestartJoinTimeout time.Duration `yaml:"restart_join_timeout"`
}

// AuthConfig selects and configures request signing.
type AuthConfig struct {
	Scheme string `yaml:"scheme"` // oauth1 or rsa

	// oauth1
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	Token          string `yaml:"token"`
	TokenSecret    string `yaml:"token_secret"`

	// rsa
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// SubscriptionsConfig lists the subscription IDs to stream.
type SubscriptionsConfig struct {
	IDs            []int64       `yaml:"ids"`
	File           string        `yaml:"file"`            // One ID per line, # comments
	ReloadInterval time.Duration `yaml:"reload_interval"` // Zero disables reloading
}

// RouterConfig holds frame routing settings.
type RouterConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
}

// ArchiveConfig holds the PostgreSQL archive sink settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Kinds         []string      `yaml:"kinds"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// KafkaConfig holds the Kafka publisher sink settings.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`

	CreateTopic bool  `yaml:"create_topic"` // Create Topic on startup if missing
	Partitions  int32 `yaml:"partitions"`
	Replication int16 `yaml:"replication"`
}

// TapConfig holds live websocket tap settings.
type TapConfig struct {
	RateLimit  float64 `yaml:"rate_limit"` // Messages per second per client
	Burst      int     `yaml:"burst"`
	SendBuffer int     `yaml:"send_buffer"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig holds process logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
