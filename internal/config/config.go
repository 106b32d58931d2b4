package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Poller   PollerConfig   `yaml:"poller"`
	Batcher  BatcherConfig  `yaml:"batcher"`
	Hub      HubConfig      `yaml:"hub"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds the downstream HTTP/websocket listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSPath     string `yaml:"ws_path"`
	HealthPath string `yaml:"health_path"`
}

// UpstreamConfig holds brokerage API settings.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`         // per data-fetch call
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`   // keep-alive probes only
	MaxRetries    int           `yaml:"max_retries"`     // transport-level 5xx retries
	MinRequestGap time.Duration `yaml:"min_request_gap"` // floor between batch calls per user
}

// SessionConfig holds upstream session lifecycle settings.
type SessionConfig struct {
	TickleInterval   time.Duration `yaml:"tickle_interval"`
	MaxProbeFailures int           `yaml:"max_probe_failures"`
}

// CacheConfig holds market-data cache settings.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	HistoryDepth  int           `yaml:"history_depth"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// PollerConfig holds adaptive poller settings.
type PollerConfig struct {
	BaseInterval     time.Duration `yaml:"base_interval"`      // interval at zero volatility
	MinInterval      time.Duration `yaml:"min_interval"`       // clamp floor
	MaxInterval      time.Duration `yaml:"max_interval"`       // clamp ceiling
	BatchSize        int           `yaml:"batch_size"`         // instruments per upstream call
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`      // per batch fetch
	DriftThreshold   time.Duration `yaml:"drift_threshold"`    // regroup when ideal drifts this far
	MaxFetchFailures int           `yaml:"max_fetch_failures"` // consecutive failures before unsubscribe
}

// BatcherConfig holds update coalescing settings.
type BatcherConfig struct {
	Window time.Duration `yaml:"window"`
}

// HubConfig holds downstream connection manager settings.
type HubConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	OutboundQueueSize    int           `yaml:"outbound_queue_size"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// ArchiveConfig holds the optional quote archive writer settings. The relay
// itself needs no durable storage; the archive is a write-only sink.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
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
