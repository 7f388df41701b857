package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Model   ModelConfig
	Search  SearchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	MaxUploadBytes int
	MaxConnections int
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver            string
	DataDir           string
	DSN               string
	Database          string
	ConnectRetries    int
	ConnectRetryDelay time.Duration
}

type ModelConfig struct {
	BaseURL        string
	Name           string
	PreferLocal    bool
	SentimentModel string
	Preload        bool
}

type SearchConfig struct {
	ContextLength int
	CacheSize     int
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5000,
			RequestTimeout: 120 * time.Second,
			MaxUploadBytes: 10 << 20,
			MaxConnections: 1000,
		},
		Storage: StorageConfig{
			Driver:            DriverSQLite,
			DataDir:           defaultDataDir(),
			Database:          "queryDB",
			ConnectRetries:    3,
			ConnectRetryDelay: 5 * time.Second,
		},
		Model: ModelConfig{
			BaseURL:        "http://localhost:11434",
			Name:           "qwen2.5:0.5b",
			PreferLocal:    true,
			SentimentModel: "llama3.2:1b",
		},
		Search: SearchConfig{
			ContextLength: 100,
			CacheSize:     128,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/docrag/config.json and applies DOCRAG_* environment
// overrides on top.
//
// Before environment variables are read, a dotenv file is loaded if present:
// $DOCRAG_ENV_FILE when set, otherwise ./.env. Variables already present in
// the process environment win over the dotenv file.
func Load() (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend())
}

func loadDotenv() error {
	path := os.Getenv("DOCRAG_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem that would prevent the
// service from starting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("missing required config: storage.dsn for driver %q. "+
				"Set it via environment variable DOCRAG_STORAGE_DSN", DriverPostgres)
		}
	default:
		return fmt.Errorf("invalid config: storage.driver %q (want %q or %q)",
			c.Storage.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Storage.ConnectRetries < 1 {
		return fmt.Errorf("invalid config: storage.connect_retries must be at least 1")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("missing required config: model.name")
	}
	if c.Search.ContextLength < 0 {
		return fmt.Errorf("invalid config: search.context_length must not be negative")
	}
	if c.Search.CacheSize < 1 {
		return fmt.Errorf("invalid config: search.cache_size must be at least 1")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid config: log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}
