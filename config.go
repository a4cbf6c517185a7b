package hypernode

import (
	"log/slog"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

type Config = domain.Config

type ServerConfig = domain.ServerConfig

type GatewayConfig = domain.GatewayConfig

type StorageConfig = domain.StorageConfig

type StorageBackend = domain.StorageBackend

const (
	StorageMemory = domain.StorageMemory
	StorageBadger = domain.StorageBadger
)

type RegistryConfig = domain.RegistryConfig

type IssuerConfig = domain.IssuerConfig

type LedgerConfig = domain.LedgerConfig

type DispatcherConfig = domain.DispatcherConfig

type ObservabilityConfig = domain.ObservabilityConfig

type HealthConfig = domain.HealthConfig

type LoggingConfig = domain.LoggingConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

// MergeConfig overlays the non-zero fields of overrides onto dst.
func MergeConfig(dst, overrides *Config) error {
	return domain.MergeConfig(dst, overrides)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(addr string) *ConfigBuilder {
	config := DefaultConfig()
	config.Server.Addr = addr
	return &ConfigBuilder{config: config}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.WithLogger(logger)
	return cb
}

func (cb *ConfigBuilder) WithBadgerStorage(dir string) *ConfigBuilder {
	cb.config.WithBadgerStorage(dir)
	return cb
}

func (cb *ConfigBuilder) WithGatewayPath(path string) *ConfigBuilder {
	cb.config.Gateway.Path = path
	return cb
}

func (cb *ConfigBuilder) WithAllowedOrigins(origins ...string) *ConfigBuilder {
	cb.config.Gateway.AllowedOrigins = origins
	return cb
}

func (cb *ConfigBuilder) WithLiveness(heartbeat, staleness, sweep time.Duration) *ConfigBuilder {
	cb.config.WithLiveness(heartbeat, staleness, sweep)
	return cb
}

func (cb *ConfigBuilder) WithCredentialTTL(ttl time.Duration) *ConfigBuilder {
	cb.config.Issuer.CredentialTTL = ttl
	return cb
}

func (cb *ConfigBuilder) WithRate(ratePerSecond float64) *ConfigBuilder {
	cb.config.WithRate(ratePerSecond)
	return cb
}

func (cb *ConfigBuilder) WithJobTypes(types ...string) *ConfigBuilder {
	cb.config.Ledger.JobTypes = types
	return cb
}

func (cb *ConfigBuilder) WithAckTimeout(timeout time.Duration) *ConfigBuilder {
	cb.config.Ledger.AckTimeout = timeout
	return cb
}

func (cb *ConfigBuilder) WithObservability(enabled bool, port int) *ConfigBuilder {
	cb.config.Observability.Enabled = enabled
	cb.config.Observability.Port = port
	return cb
}

func (cb *ConfigBuilder) WithHealth(enabled bool, grpcPort int) *ConfigBuilder {
	cb.config.Health.Enabled = enabled
	cb.config.Health.GRPCPort = grpcPort
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
