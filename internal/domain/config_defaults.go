package domain

import (
	"fmt"
	"log/slog"
	"time"
)

func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Gateway:       DefaultGatewayConfig(),
		Observability: DefaultObservabilityConfig(),
		Health:        DefaultHealthConfig(),
		Storage:       DefaultStorageConfig(),
		Registry:      DefaultRegistryConfig(),
		Issuer:        DefaultIssuerConfig(),
		Ledger:        DefaultLedgerConfig(),
		Dispatcher:    DefaultDispatcherConfig(),
		Logging:       DefaultLoggingConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":3001",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
	}
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Path:            "/ws",
		WriteTimeout:    5 * time.Second,
		PingInterval:    20 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled: true,
		Port:    9090,
	}
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:  true,
		GRPCPort: 9091,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    StorageMemory,
		MaxRetries: 8,
	}
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval:  20 * time.Second,
		StalenessThreshold: 60 * time.Second,
		SweepInterval:      10 * time.Second,
	}
}

func DefaultIssuerConfig() IssuerConfig {
	return IssuerConfig{
		CredentialTTL: time.Hour,
		SweepInterval: 5 * time.Minute,
		UsedRetention: 24 * time.Hour,
	}
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RatePerSecond:      0.01,
		DefaultMaxDuration: time.Hour,
		AckTimeout:         30 * time.Second,
		SweepInterval:      5 * time.Second,
		JobTypes:           append([]string(nil), DefaultJobTypes...),
	}
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxConflictRetries: 8,
	}
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
	}
}

func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) WithBadgerStorage(dir string) *Config {
	c.Storage.Backend = StorageBadger
	c.Storage.Dir = dir
	return c
}

func (c *Config) WithServerAddr(addr string) *Config {
	c.Server.Addr = addr
	return c
}

func (c *Config) WithLiveness(heartbeat, staleness, sweep time.Duration) *Config {
	c.Registry.HeartbeatInterval = heartbeat
	c.Registry.StalenessThreshold = staleness
	c.Registry.SweepInterval = sweep
	return c
}

func (c *Config) WithRate(ratePerSecond float64) *Config {
	c.Ledger.RatePerSecond = ratePerSecond
	return c
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return NewConfigError("server.addr", ErrInvalidInput)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return NewConfigError("server.rate_limit", ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.Dir == "" && !c.Storage.InMemory {
			return NewConfigError("storage.dir", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.backend", fmt.Errorf("unknown backend %q", c.Storage.Backend))
	}
	if c.Registry.HeartbeatInterval <= 0 || c.Registry.StalenessThreshold <= 0 || c.Registry.SweepInterval <= 0 {
		return NewConfigError("registry", ErrInvalidInput)
	}
	if c.Registry.HeartbeatInterval >= c.Registry.StalenessThreshold {
		return NewConfigError("registry.heartbeat_interval", fmt.Errorf("must be shorter than staleness_threshold"))
	}
	if c.Issuer.CredentialTTL <= 0 || c.Issuer.SweepInterval <= 0 {
		return NewConfigError("issuer", ErrInvalidInput)
	}
	if c.Ledger.RatePerSecond < 0 {
		return NewConfigError("ledger.rate_per_second", ErrInvalidInput)
	}
	if c.Ledger.DefaultMaxDuration <= 0 || c.Ledger.AckTimeout <= 0 || c.Ledger.SweepInterval <= 0 {
		return NewConfigError("ledger", ErrInvalidInput)
	}
	if c.Dispatcher.MaxConflictRetries <= 0 {
		return NewConfigError("dispatcher.max_conflict_retries", ErrInvalidInput)
	}
	if c.Observability.Enabled && c.Observability.Port <= 0 {
		return NewConfigError("observability.port", ErrInvalidInput)
	}
	if c.Health.Enabled && c.Health.GRPCPort <= 0 {
		return NewConfigError("health.grpc_port", ErrInvalidInput)
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
