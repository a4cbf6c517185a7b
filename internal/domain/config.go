package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-"`

	Server        ServerConfig        `json:"server" yaml:"server"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Health        HealthConfig        `json:"health" yaml:"health"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Registry      RegistryConfig      `json:"registry" yaml:"registry"`
	Issuer        IssuerConfig        `json:"issuer" yaml:"issuer"`
	Ledger        LedgerConfig        `json:"ledger" yaml:"ledger"`
	Dispatcher    DispatcherConfig    `json:"dispatcher" yaml:"dispatcher"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// RateLimit is requests per second per client address; zero disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

type GatewayConfig struct {
	Path            string        `json:"path" yaml:"path"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval    time.Duration `json:"ping_interval" yaml:"ping_interval"`
	MaxMessageBytes int64         `json:"max_message_bytes" yaml:"max_message_bytes"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

type ObservabilityConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type HealthConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	GRPCPort int  `json:"grpc_port" yaml:"grpc_port"`
}

type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBadger StorageBackend = "badger"
)

type StorageConfig struct {
	Backend    StorageBackend `json:"backend" yaml:"backend"`
	Dir        string         `json:"dir,omitempty" yaml:"dir,omitempty"`
	InMemory   bool           `json:"in_memory,omitempty" yaml:"in_memory,omitempty"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
}

type RegistryConfig struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	StalenessThreshold time.Duration `json:"staleness_threshold" yaml:"staleness_threshold"`
	SweepInterval      time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type IssuerConfig struct {
	CredentialTTL time.Duration `json:"credential_ttl" yaml:"credential_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	UsedRetention time.Duration `json:"used_retention" yaml:"used_retention"`
}

type LedgerConfig struct {
	RatePerSecond      float64       `json:"rate_per_second" yaml:"rate_per_second"`
	DefaultMaxDuration time.Duration `json:"default_max_duration" yaml:"default_max_duration"`
	AckTimeout         time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
	SweepInterval      time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	JobTypes           []string      `json:"job_types,omitempty" yaml:"job_types,omitempty"`
}

type DispatcherConfig struct {
	MaxConflictRetries int `json:"max_conflict_retries" yaml:"max_conflict_retries"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}
