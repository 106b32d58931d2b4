package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr = ":8080"
	DefaultWSPath     = "/ws"
	DefaultHealthPath = "/healthz"

	DefaultUpstreamTimeout = 5 * time.Second
	DefaultProbeTimeout    = 2 * time.Second
	DefaultMaxRetries      = 3
	DefaultMinRequestGap   = 150 * time.Millisecond

	DefaultTickleInterval   = 45 * time.Second
	DefaultMaxProbeFailures = 3

	DefaultCacheTTL      = 5 * time.Minute
	DefaultHistoryDepth  = 1000
	DefaultPurgeInterval = 30 * time.Second

	DefaultBaseInterval     = 1000 * time.Millisecond
	DefaultMinInterval      = 200 * time.Millisecond
	DefaultMaxInterval      = 5000 * time.Millisecond
	DefaultBatchSize        = 10
	DefaultFetchTimeout     = 5 * time.Second
	DefaultDriftThreshold   = 100 * time.Millisecond
	DefaultMaxFetchFailures = 3

	DefaultBatchWindow = 100 * time.Millisecond

	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultOutboundQueueSize    = 256
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second

	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultDBMaxConns        = 10
	DefaultDBMinConns        = 2
	DefaultArchiveBatchSize  = 500
	DefaultArchiveFlushEvery = 1 * time.Second
)

// ApplyDefaults fills zero-valued optional fields.
func (c *RelayConfig) ApplyDefaults() {
	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = DefaultHealthPath
	}

	// Upstream defaults
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.ProbeTimeout == 0 {
		c.Upstream.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}
	if c.Upstream.MinRequestGap == 0 {
		c.Upstream.MinRequestGap = DefaultMinRequestGap
	}

	// Session defaults
	if c.Session.TickleInterval == 0 {
		c.Session.TickleInterval = DefaultTickleInterval
	}
	if c.Session.MaxProbeFailures == 0 {
		c.Session.MaxProbeFailures = DefaultMaxProbeFailures
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.HistoryDepth == 0 {
		c.Cache.HistoryDepth = DefaultHistoryDepth
	}
	if c.Cache.PurgeInterval == 0 {
		c.Cache.PurgeInterval = DefaultPurgeInterval
	}

	// Poller defaults
	if c.Poller.BaseInterval == 0 {
		c.Poller.BaseInterval = DefaultBaseInterval
	}
	if c.Poller.MinInterval == 0 {
		c.Poller.MinInterval = DefaultMinInterval
	}
	if c.Poller.MaxInterval == 0 {
		c.Poller.MaxInterval = DefaultMaxInterval
	}
	if c.Poller.BatchSize == 0 {
		c.Poller.BatchSize = DefaultBatchSize
	}
	if c.Poller.FetchTimeout == 0 {
		c.Poller.FetchTimeout = DefaultFetchTimeout
	}
	if c.Poller.DriftThreshold == 0 {
		c.Poller.DriftThreshold = DefaultDriftThreshold
	}
	if c.Poller.MaxFetchFailures == 0 {
		c.Poller.MaxFetchFailures = DefaultMaxFetchFailures
	}

	// Batcher defaults
	if c.Batcher.Window == 0 {
		c.Batcher.Window = DefaultBatchWindow
	}

	// Hub defaults
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
	if c.Hub.OutboundQueueSize == 0 {
		c.Hub.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.Hub.MaxReconnectAttempts == 0 {
		c.Hub.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Hub.ReconnectBaseDelay == 0 {
		c.Hub.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Hub.ReconnectMaxDelay == 0 {
		c.Hub.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Archive defaults (only meaningful when enabled)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlushEvery
	}
	applyDBDefaults(&c.Archive.Database)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
