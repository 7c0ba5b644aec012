package domain

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Model artifact locations
	Model ModelConfig `json:"model"`

	// Feature alignment policy (see FeatureMode)
	FeatureMode FeatureMode `json:"featureMode"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Auth       AuthConfig       `json:"auth"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// FeatureMode determines how incoming feature vectors are aligned to the
// trained column set.
type FeatureMode string

const (
	// FeatureModeTolerant zero-fills missing features and ignores unknown
	// keys. Missing names are logged so the masking is never silent.
	FeatureModeTolerant FeatureMode = "tolerant"

	// FeatureModeStrict rejects requests with missing or unknown feature
	// keys. Safer for flows where absent counters are security-relevant.
	FeatureModeStrict FeatureMode = "strict"
)

// ModelConfig holds model artifact settings.
type ModelConfig struct {
	// Path to the serialized ensemble (model.json)
	ModelPath string `json:"modelPath"`

	// Path to the fitted preprocessor (preprocessor.json)
	PreprocessorPath string `json:"preprocessorPath"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// AuthConfig holds credential store and token settings.
type AuthConfig struct {
	Enabled bool `json:"enabled"`

	// UsersPath is the JSON credential file location.
	UsersPath string `json:"usersPath"`

	// Secret signs issued tokens. Required when Enabled.
	Secret string `json:"-"`

	// TokenTTL is the token lifetime in seconds.
	TokenTTL int `json:"tokenTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the single-node tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the clustered tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Model: ModelConfig{
			ModelPath:        "./model/model.json",
			PreprocessorPath: "./model/preprocessor.json",
		},
		FeatureMode: FeatureModeTolerant,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Auth: AuthConfig{
			Enabled:   false,
			UsersPath: "./users.json",
			TokenTTL:  3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadFromEnv applies KESTREL_* environment overrides on top of cfg.
// A .env file in the working directory is honored when present.
func (c *Config) LoadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("KESTREL_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("KESTREL_MODEL_PATH"); v != "" {
		c.Model.ModelPath = v
	}
	if v := os.Getenv("KESTREL_PREPROCESSOR_PATH"); v != "" {
		c.Model.PreprocessorPath = v
	}
	if v := os.Getenv("KESTREL_STRICT_FEATURES"); v == "true" {
		c.FeatureMode = FeatureModeStrict
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		c.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		c.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		c.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		c.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_AUTH_ENABLED"); v == "true" {
		c.Auth.Enabled = true
	}
	if v := os.Getenv("KESTREL_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("KESTREL_USERS_PATH"); v != "" {
		c.Auth.UsersPath = v
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
