package config

import "time"

// Config holds all configuration for the relay client.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Pool    PoolConfig    `yaml:"pool"`
	HTTP2   HTTP2Config   `yaml:"http2"`
	TLS     TLSConfig     `yaml:"tls"`
	Client  ClientConfig  `yaml:"client"`
}

// PoolConfig holds per-authority connection pool tuning, surfaced as the
// pool_* settings a deployment adjusts for its traffic shape.
type PoolConfig struct {
	MaxSize           int           `yaml:"max_size"`
	BufferSize        int           `yaml:"buffer_size"`
	CleanPeriod       time.Duration `yaml:"clean_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveTimeout  time.Duration `yaml:"keep_alive_timeout"`
}

// HTTP2Config holds the local SETTINGS this client advertises.
type HTTP2Config struct {
	MaxConcurrentStreams int64 `yaml:"max_concurrent_streams"`
	StreamBufferSize     int   `yaml:"stream_buffer_size"`
}

// TLSConfig controls whether authorities are dialed over TLS (with ALPN
// negotiating h2 vs http/1.1) or cleartext (with an optional H2C upgrade
// attempt).
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
	Insecure   bool   `yaml:"insecure_skip_verify"`
}

// ClientConfig holds request-scoped behaviour.
type ClientConfig struct {
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	SendUserAgent           bool          `yaml:"send_user_agent"`
	UserAgent               string        `yaml:"user_agent"`
	H2CEnabled              bool          `yaml:"h2c_enabled"`
	DecompressionEnabled    bool          `yaml:"decompression_enabled"`

	CircuitBreakerEnabled   bool          `yaml:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int64         `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Theme      string `yaml:"theme"`
}
