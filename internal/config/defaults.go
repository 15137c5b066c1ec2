package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultStreamURL          = "http://betastream.twitter.com/2b/site.json"
	DefaultMode               = "user"
	DefaultGroupLimit         = 100
	DefaultRetryLimit         = 10
	DefaultRetryDelay         = 2 * time.Second
	DefaultIOTimeout          = 40 * time.Second
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultBackoff            = "square"
	DefaultMaxRetryDelay      = 5 * time.Minute
	DefaultNonfullThreshold   = 10
	DefaultNonfullStreamLimit = 10
	DefaultMonitorInterval    = 10 * time.Second
	DefaultConsolidateGrace   = 30 * time.Second
	DefaultRestartJoinTimeout = 2 * time.Second
	DefaultAuthScheme         = "oauth1"
	DefaultRouterBufferSize   = 1000
	DefaultRouterMaxBuffer    = 100_000
	DefaultDedupWindow        = time.Minute
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultArchiveBufferSize  = 50_000
	DefaultKafkaTopic         = "sitestream.messages"
	DefaultKafkaClientID      = "sitestream"
	DefaultTapRateLimit       = 50
	DefaultTapBurst           = 100
	DefaultTapSendBuffer      = 256
	DefaultServerPort         = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Stream defaults
	if c.Stream.URL == "" {
		c.Stream.URL = DefaultStreamURL
	}
	if c.Stream.Mode == "" {
		c.Stream.Mode = DefaultMode
	}
	if c.Stream.GroupLimit == 0 {
		c.Stream.GroupLimit = DefaultGroupLimit
	}
	if c.Stream.RetryLimit == 0 {
		c.Stream.RetryLimit = DefaultRetryLimit
	}
	if c.Stream.RetryDelay == 0 {
		c.Stream.RetryDelay = DefaultRetryDelay
	}
	if c.Stream.IOTimeout == 0 {
		c.Stream.IOTimeout = DefaultIOTimeout
	}
	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = DefaultPollInterval
	}
	if c.Stream.Backoff == "" {
		c.Stream.Backoff = DefaultBackoff
	}
	if c.Stream.MaxRetryDelay == 0 {
		c.Stream.MaxRetryDelay = DefaultMaxRetryDelay
	}

	// Pool defaults
	if c.Pool.NonfullThreshold == 0 {
		c.Pool.NonfullThreshold = DefaultNonfullThreshold
	}
	if c.Pool.NonfullStreamLimit == 0 {
		c.Pool.NonfullStreamLimit = DefaultNonfullStreamLimit
	}
	if c.Pool.MonitorInterval == 0 {
		c.Pool.MonitorInterval = DefaultMonitorInterval
	}
	if c.Pool.ConsolidateGrace == 0 {
		c.Pool.ConsolidateGrace = DefaultConsolidateGrace
	}
	if c.Pool.RestartJoinTimeout == 0 {
		c.Pool.RestartJoinTimeout = DefaultRestartJoinTimeout
	}

	if c.Auth.Scheme == "" {
		c.Auth.Scheme = DefaultAuthScheme
	}

	// Router defaults
	if c.Router.BufferSize == 0 {
		c.Router.BufferSize = DefaultRouterBufferSize
	}
	if c.Router.MaxBufferSize == 0 {
		c.Router.MaxBufferSize = DefaultRouterMaxBuffer
	}
	if c.Router.DedupWindow == 0 {
		c.Router.DedupWindow = DefaultDedupWindow
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}

	// Kafka defaults
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = DefaultKafkaClientID
	}
	if c.Kafka.Partitions <= 0 {
		c.Kafka.Partitions = 1
	}
	if c.Kafka.Replication <= 0 {
		c.Kafka.Replication = 1
	}

	// Tap defaults
	if c.Tap.RateLimit == 0 {
		c.Tap.RateLimit = DefaultTapRateLimit
	}
	if c.Tap.Burst == 0 {
		c.Tap.Burst = DefaultTapBurst
	}
	if c.Tap.SendBuffer == 0 {
		c.Tap.SendBuffer = DefaultTapSendBuffer
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
