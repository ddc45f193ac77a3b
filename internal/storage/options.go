package storage

import "time"

// DefaultDatabaseName is the logical database used when the DSN does not name
// one.
const DefaultDatabaseName = "gatehouse"

// DefaultConnectTimeout bounds the initial connection attempt, covering both
// the dial and the readiness ping.
const DefaultConnectTimeout = 10 * time.Second

// Config collects pool construction settings for the store connection.
type Config struct {
	DSN                 string
	DatabaseName        string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

// Option mutates the connection Config.
type Option func(*Config)

func newConfig(dsn string, opts ...Option) Config {
	cfg := Config{
		DSN:            dsn,
		DatabaseName:   DefaultDatabaseName,
		ConnectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithPoolLimits sets the maximum and minimum pooled connection counts.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *Config) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	}
}

// WithPoolDurations sets connection lifetime, idle time, and health check
// interval for the pool.
func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxConnLifetime = maxLifetime
		cfg.MaxConnIdleTime = maxIdle
		cfg.HealthCheckInterval = healthInterval
	}
}

// WithConnectTimeout bounds the initial connection attempt. Zero or negative
// values keep the default.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		if timeout > 0 {
			cfg.ConnectTimeout = timeout
		}
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) Option {
	return func(cfg *Config) {
		cfg.ApplicationName = name
	}
}

// WithDatabaseName replaces the default logical database applied when the DSN
// does not name one.
func WithDatabaseName(name string) Option {
	return func(cfg *Config) {
		if name != "" {
			cfg.DatabaseName = name
		}
	}
}
