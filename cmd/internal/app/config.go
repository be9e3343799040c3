package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// History store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// Config contains the runtime configuration of a chat client.
//
// Sources, later ones winning: defaults, the YAML file passed with
// --config, CHATSYNC_* environment variables (after .env is loaded).
type Config struct {
	ServerURL  string `yaml:"server_url"`
	Location   string `yaml:"location"`
	Title      string `yaml:"title"`
	AppVersion string `yaml:"app_version"`
	DeviceID   string `yaml:"device_id"`
	PushToken  string `yaml:"push_token"`

	VisitorJSON       string `yaml:"visitor_json"`
	VisitorFieldsJSON string `yaml:"visitor_fields_json"`
	ProvidedAuthToken string `yaml:"provided_auth_token"`

	HistoryStore string `yaml:"history_store"`
	DatabaseURL  string `yaml:"database_url"`
	DBSchema     string `yaml:"db_schema"`
	DBMaxConns   int32  `yaml:"db_max_conns"`
	DBMinConns   int32  `yaml:"db_min_conns"`
	PebbleDir    string `yaml:"pebble_dir"`

	DeltaTimeout  time.Duration `yaml:"delta_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	ActionRate    float64       `yaml:"action_rate"`
	PollInterval  time.Duration `yaml:"poll_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// DefaultConfig returns the configuration used when nothing is set. The
// device id is fresh on every call.
func DefaultConfig() Config {
	return Config{
		Location:      "mobile",
		DeviceID:      uuid.NewString(),
		HistoryStore:  StoreMemory,
		DBSchema:      "chatsync",
		DBMaxConns:    4,
		PebbleDir:     "chatsync-history",
		DeltaTimeout:  60 * time.Second,
		ActionTimeout: 30 * time.Second,
		PollInterval:  60 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
		MetricsAddr:   "127.0.0.1:9464",
	}
}

// LoadConfig builds a Config from defaults, the optional YAML file at path,
// .env and the environment.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with every CHATSYNC_* variable that is set.
func applyEnv(cfg *Config) {
	cfg.ServerURL = EnvString("CHATSYNC_SERVER_URL", cfg.ServerURL)
	cfg.Location = EnvString("CHATSYNC_LOCATION", cfg.Location)
	cfg.Title = EnvString("CHATSYNC_TITLE", cfg.Title)
	cfg.AppVersion = EnvString("CHATSYNC_APP_VERSION", cfg.AppVersion)
	cfg.DeviceID = EnvString("CHATSYNC_DEVICE_ID", cfg.DeviceID)
	cfg.PushToken = EnvString("CHATSYNC_PUSH_TOKEN", cfg.PushToken)

	cfg.VisitorJSON = EnvString("CHATSYNC_VISITOR_JSON", cfg.VisitorJSON)
	cfg.VisitorFieldsJSON = EnvString("CHATSYNC_VISITOR_FIELDS_JSON", cfg.VisitorFieldsJSON)
	cfg.ProvidedAuthToken = EnvString("CHATSYNC_PROVIDED_AUTH_TOKEN", cfg.ProvidedAuthToken)

	cfg.HistoryStore = strings.ToLower(EnvString("CHATSYNC_HISTORY_STORE", cfg.HistoryStore))
	cfg.DatabaseURL = EnvString("CHATSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("CHATSYNC_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("CHATSYNC_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("CHATSYNC_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.PebbleDir = EnvString("CHATSYNC_PEBBLE_DIR", cfg.PebbleDir)

	cfg.DeltaTimeout = EnvDuration("CHATSYNC_DELTA_TIMEOUT", cfg.DeltaTimeout)
	cfg.ActionTimeout = EnvDuration("CHATSYNC_ACTION_TIMEOUT", cfg.ActionTimeout)
	cfg.ActionRate = EnvFloat("CHATSYNC_ACTION_RATE", cfg.ActionRate)
	cfg.PollInterval = EnvDuration("CHATSYNC_POLL_INTERVAL", cfg.PollInterval)

	cfg.LogLevel = EnvString("CHATSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(EnvString("CHATSYNC_LOG_FORMAT", cfg.LogFormat))

	cfg.MetricsEnabled = EnvBool("CHATSYNC_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = EnvString("CHATSYNC_METRICS_ADDR", cfg.MetricsAddr)
}

// Validate checks the fields a session cannot start without.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: CHATSYNC_SERVER_URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: invalid server url %q", c.ServerURL)
	}
	if c.Location == "" {
		return errors.New("config: location is required")
	}

	switch c.HistoryStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: postgres history store needs CHATSYNC_DATABASE_URL")
		}
	case StorePebble:
		if c.PebbleDir == "" {
			return errors.New("config: pebble history store needs CHATSYNC_PEBBLE_DIR")
		}
	default:
		return fmt.Errorf("config: unknown history store %q", c.HistoryStore)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.ActionRate < 0 {
		return errors.New("config: action rate must not be negative")
	}
	return nil
}
