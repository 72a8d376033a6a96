package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/log"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "BRIDGE_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Session store drivers.
const (
	StoreMemory   = "memory"
	StoreDatabase = "database"
	StoreRedis    = "redis"
)

// Wallet backend kinds.
const (
	BackendMock   = "mock"
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config represents the overall application configuration. Every field is
// read from BRIDGE_* environment variables, optionally seeded from a .env file.
// AllowedOrigins is extended with the enabled entries of origins.yaml.
type Config struct {
	Mode    Mode   `env:"BRIDGE_MODE" env-default:"production"`
	AppName string `env:"BRIDGE_APP_NAME" env-default:"canton-bridge"`
	Network string `env:"BRIDGE_NETWORK" env-default:"devnet"`

	ListenAddr        string        `env:"BRIDGE_LISTEN_ADDR" env-default:":8000"`
	WSEndpoint        string        `env:"BRIDGE_WS_ENDPOINT" env-default:"/ws"`
	CallbackEndpoint  string        `env:"BRIDGE_CALLBACK_ENDPOINT" env-default:"/callback"`
	MetricsListenAddr string        `env:"BRIDGE_METRICS_LISTEN_ADDR" env-default:":4242"`
	AllowedOrigins    []string      `env:"BRIDGE_ALLOWED_ORIGINS" env-separator:","`
	RequestTimeout    time.Duration `env:"BRIDGE_REQUEST_TIMEOUT" env-default:"5m"`

	SessionTTL    time.Duration `env:"BRIDGE_SESSION_TTL" env-default:"24h"`
	SessionStore  string        `env:"BRIDGE_SESSION_STORE" env-default:"memory"`
	SessionSecret string        `env:"BRIDGE_SESSION_SECRET"`
	RedisAddr     string        `env:"BRIDGE_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPrefix   string        `env:"BRIDGE_REDIS_PREFIX" env-default:"bridge:session:"`
	Journal       bool          `env:"BRIDGE_JOURNAL" env-default:"false"`

	Backend       string `env:"BRIDGE_BACKEND" env-default:"mock"`
	WalletID      string `env:"BRIDGE_WALLET_ID" env-default:"local"`
	PrivateKeyHex string `env:"BRIDGE_PRIVATE_KEY"`
	Remote        RemoteWalletConfig

	SentryDSN string `env:"BRIDGE_SENTRY_DSN"`

	DB  DatabaseConfig
	Log log.Config
}

// RemoteWalletConfig describes the wallet reached over a deep link when
// BRIDGE_BACKEND is "remote".
type RemoteWalletConfig struct {
	Endpoint       string        `env:"BRIDGE_REMOTE_ENDPOINT"`
	RedirectURI    string        `env:"BRIDGE_REMOTE_REDIRECT_URI"`
	SubmitEndpoint string        `env:"BRIDGE_REMOTE_SUBMIT_ENDPOINT"`
	LedgerEndpoint string        `env:"BRIDGE_REMOTE_LEDGER_ENDPOINT"`
	StatusEndpoint string        `env:"BRIDGE_REMOTE_STATUS_ENDPOINT"`
	Capabilities   []string      `env:"BRIDGE_REMOTE_CAPABILITIES" env-separator:","`
	AsyncOnly      bool          `env:"BRIDGE_REMOTE_ASYNC_ONLY" env-default:"false"`
	TokenAudience  string        `env:"BRIDGE_REMOTE_TOKEN_AUDIENCE"`
	TokenTTL       time.Duration `env:"BRIDGE_REMOTE_TOKEN_TTL" env-default:"5m"`
	Timeout        time.Duration `env:"BRIDGE_REMOTE_TIMEOUT" env-default:"2m"`
	QRPath         string        `env:"BRIDGE_REMOTE_QR_PATH"`
}

// LoadConfig builds configuration from environment variables.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	var conf Config
	if err := cleanenv.ReadEnv(&conf); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	// A connection string wins over the individual database variables.
	if conf.DB.URL != "" {
		dbConf, err := ParseConnectionString(conf.DB.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", err)
		}
		conf.DB = dbConf
	}

	origins, err := LoadOrigins(configDirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load origins: %w", err)
	}
	if allowed := origins.Allowed(); len(allowed) > 0 {
		logger.Info("loaded origins file", "count", len(allowed))
		conf.AllowedOrigins = mergeOrigins(conf.AllowedOrigins, allowed)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	logger.Info("set mode", "value", conf.Mode)
	logger.Info("set backend", "kind", conf.Backend, "sessionStore", conf.SessionStore)
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Mode != ModeProduction && c.Mode != ModeTest {
		return fmt.Errorf("invalid BRIDGE_MODE value: %s", c.Mode)
	}

	if _, err := c.NetworkID(); err != nil {
		return err
	}

	switch c.SessionStore {
	case StoreMemory, StoreDatabase, StoreRedis:
	default:
		return fmt.Errorf("invalid BRIDGE_SESSION_STORE value: %s", c.SessionStore)
	}

	switch c.Backend {
	case BackendMock:
	case BackendLocal:
		if c.PrivateKeyHex == "" {
			return fmt.Errorf("BRIDGE_PRIVATE_KEY is required for the local backend")
		}
	case BackendRemote:
		if c.Remote.Endpoint == "" {
			return fmt.Errorf("BRIDGE_REMOTE_ENDPOINT is required for the remote backend")
		}
		if c.PrivateKeyHex == "" && (c.Remote.SubmitEndpoint != "" || c.Remote.LedgerEndpoint != "") {
			return fmt.Errorf("BRIDGE_PRIVATE_KEY is required to authenticate against the remote signer")
		}
	default:
		return fmt.Errorf("invalid BRIDGE_BACKEND value: %s", c.Backend)
	}

	if c.Mode == ModeProduction && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("BRIDGE_ALLOWED_ORIGINS is required in production mode")
	}
	return nil
}

// NetworkID resolves the configured default network.
func (c *Config) NetworkID() (core.NetworkID, error) {
	id, err := core.ToNetworkID(c.Network)
	if err != nil {
		return "", fmt.Errorf("invalid BRIDGE_NETWORK value: %w", err)
	}
	return id, nil
}

// NeedsDatabase reports whether any component persists to the database.
func (c *Config) NeedsDatabase() bool {
	return c.SessionStore == StoreDatabase || c.Journal
}

// RemoteCapabilities parses BRIDGE_REMOTE_CAPABILITIES.
func (c *Config) RemoteCapabilities() ([]core.Capability, error) {
	caps := make([]core.Capability, 0, len(c.Remote.Capabilities))
	for _, raw := range c.Remote.Capabilities {
		capability := core.Capability(strings.TrimSpace(raw))
		if capability == "" {
			continue
		}
		if !capability.Valid() {
			return nil, fmt.Errorf("unknown capability: %s", raw)
		}
		caps = append(caps, capability)
	}
	return caps, nil
}
