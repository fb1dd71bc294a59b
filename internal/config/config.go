// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Entity sink kinds.
const (
	SinkTable = "table"
	SinkLog   = "log"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Identity      IdentityConfig          `yaml:"identity"`
	Store         StoreConfig             `yaml:"store"`
	Workflow      WorkflowConfig          `yaml:"workflow"`
	Entities      map[string]EntityConfig `yaml:"entities"`
	Directory     DirectoryConfig         `yaml:"directory"`
	Notify        NotifyConfig            `yaml:"notify"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings. When
// Disabled is set the API trusts the X-Actor-Id and X-Actor-Roles headers,
// which is only meant for local development.
type IdentityConfig struct {
	Disabled     bool              `yaml:"disabled"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	AdminRole    string            `yaml:"admin_role"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	SeedTemplates   []string      `yaml:"seed_templates"`
}

// ResolveDSN returns the connection string, preferring the environment
// variable named by DSNEnv.
func (s StoreConfig) ResolveDSN() string {
	if s.DSNEnv != "" {
		if v := os.Getenv(s.DSNEnv); v != "" {
			return v
		}
	}
	return s.DSN
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileBatch    int           `yaml:"reconcile_batch"`
	MaxCumulativeDays int           `yaml:"max_cumulative_days"`
	SimulationSeed    uint64        `yaml:"simulation_seed"`
}

// EntityConfig binds one entity type to the sink that reflects workflow
// outcomes onto its business record.
type EntityConfig struct {
	Sink         string            `yaml:"sink"`
	Table        string            `yaml:"table"`
	IDColumn     string            `yaml:"id_column"`
	StatusColumn string            `yaml:"status_column"`
	Labels       map[string]string `yaml:"labels"`
}

// DirectoryConfig describes the approver directory.
type DirectoryConfig struct {
	File  string      `yaml:"file"`
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// NotifyConfig describes where workflow notifications are published.
type NotifyConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker guarding the broker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ResolveAddr returns the Redis address, preferring the environment
// variable named by AddrEnv.
func (n NotifyConfig) ResolveAddr() string {
	if n.AddrEnv != "" {
		if v := os.Getenv(n.AddrEnv); v != "" {
			return v
		}
	}
	return n.Addr
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
			AdminRole: "workflow_admin",
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "PASSAGE_STORE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Workflow: WorkflowConfig{
			SweepInterval:     5 * time.Minute,
			ReconcileInterval: 10 * time.Minute,
			ReconcileBatch:    100,
			MaxCumulativeDays: 30,
		},
		Directory: DirectoryConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 1000,
			},
		},
		Notify: NotifyConfig{
			Driver:  "log",
			AddrEnv: "PASSAGE_REDIS_ADDR",
			Stream:  "passage:workflow-events",
			MaxLen:  10000,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !c.Identity.Disabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Store.ResolveDSN() == "" {
			errs = append(errs, fmt.Sprintf("store.dsn (or $%s) is required for driver %q", c.Store.DSNEnv, c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}

	if c.Workflow.MaxCumulativeDays < 1 {
		errs = append(errs, "workflow.max_cumulative_days must be positive")
	}

	for entityType, ec := range c.Entities {
		switch ec.Sink {
		case SinkLog:
		case SinkTable:
			if ec.Table == "" || ec.IDColumn == "" || ec.StatusColumn == "" {
				errs = append(errs, fmt.Sprintf("entities.%s: table, id_column and status_column are required for a table sink", entityType))
			}
		default:
			errs = append(errs, fmt.Sprintf("entities.%s: unknown sink %q", entityType, ec.Sink))
		}
	}

	switch c.Notify.Driver {
	case "log", "none":
	case "redis":
		if c.Notify.ResolveAddr() == "" {
			errs = append(errs, "notify.addr (or $"+c.Notify.AddrEnv+") is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q is not one of redis, log, none", c.Notify.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PASSAGE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PASSAGE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PASSAGE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PASSAGE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PASSAGE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PASSAGE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PASSAGE_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("PASSAGE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
