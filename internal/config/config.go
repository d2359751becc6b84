package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "GRAVITY_COLLAB"
	defaultHTTPAddress    = "0.0.0.0:8090"
	defaultDatabaseDriver = DatabaseDriverSQLite
	defaultDatabasePath   = "gravity-collab.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCookieName     = "app_session"
	defaultIssuer         = "tauth"
	defaultMaxEditors     = 5
	defaultFlushInterval  = 5 * time.Second
	defaultFlushThreshold = 100
	defaultCanonicalRoot  = "blocks"
	defaultLegacyRoot     = "prosemirror"
	defaultPresenceTTL    = 2 * time.Minute
	defaultShutdownGrace  = 15 * time.Second
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the collaboration service.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	ShutdownGrace   time.Duration
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	LogFormat       string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	Collab          CollabConfig
	RedisURL        string
	PresenceTTL     time.Duration
}

// CollabConfig groups the document engine settings.
type CollabConfig struct {
	MaxEditors     int
	FlushInterval  time.Duration
	FlushThreshold int
	CanonicalRoot  string
	LegacyRoot     string
	WriteBackIDs   bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.shutdown_grace", defaultShutdownGrace)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("collab.max_editors", defaultMaxEditors)
	configViper.SetDefault("collab.flush_interval", defaultFlushInterval)
	configViper.SetDefault("collab.flush_threshold", defaultFlushThreshold)
	configViper.SetDefault("collab.canonical_root", defaultCanonicalRoot)
	configViper.SetDefault("collab.legacy_root", defaultLegacyRoot)
	configViper.SetDefault("collab.write_back_ids", true)
	configViper.SetDefault("redis.presence_ttl", defaultPresenceTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  normalizeList(configViper.GetStringSlice("http.allowed_origins")),
		ShutdownGrace:   configViper.GetDuration("http.shutdown_grace"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		Collab: CollabConfig{
			MaxEditors:     configViper.GetInt("collab.max_editors"),
			FlushInterval:  configViper.GetDuration("collab.flush_interval"),
			FlushThreshold: configViper.GetInt("collab.flush_threshold"),
			CanonicalRoot:  strings.TrimSpace(configViper.GetString("collab.canonical_root")),
			LegacyRoot:     strings.TrimSpace(configViper.GetString("collab.legacy_root")),
			WriteBackIDs:   configViper.GetBool("collab.write_back_ids"),
		},
		RedisURL:    strings.TrimSpace(configViper.GetString("redis.url")),
		PresenceTTL: configViper.GetDuration("redis.presence_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Collab.MaxEditors <= 0 {
		return fmt.Errorf("collab.max_editors must be positive")
	}
	if c.Collab.FlushInterval <= 0 {
		return fmt.Errorf("collab.flush_interval must be positive")
	}
	if c.Collab.FlushThreshold <= 0 {
		return fmt.Errorf("collab.flush_threshold must be positive")
	}
	if c.Collab.CanonicalRoot == "" {
		return fmt.Errorf("collab.canonical_root is required")
	}
	if c.Collab.CanonicalRoot == c.Collab.LegacyRoot {
		return fmt.Errorf("collab.legacy_root must differ from collab.canonical_root")
	}
	if c.RedisURL != "" && c.PresenceTTL <= 0 {
		return fmt.Errorf("redis.presence_ttl must be positive")
	}
	return nil
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}
