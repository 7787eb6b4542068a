package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/ehr/pdq/internal/platform/hl7v2"
)

// Configuration sources for the supplier settings.
const (
	ConfigSourceEnv      = "env"
	ConfigSourceDatabase = "database"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	HTTPPort string `mapstructure:"HTTP_PORT"`

	MLLPAddr           string        `mapstructure:"MLLP_ADDR"`
	MLLPReadTimeout    time.Duration `mapstructure:"MLLP_READ_TIMEOUT"`
	MLLPMaxMessageSize int           `mapstructure:"MLLP_MAX_MESSAGE_SIZE"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	ProfilesDir string `mapstructure:"PROFILES_DIR"`

	PDQEnabled             bool          `mapstructure:"PDQ_ENABLED"`
	PDQSendingApplication  string        `mapstructure:"PDQ_SENDING_APPLICATION"`
	PDQSendingFacility     string        `mapstructure:"PDQ_SENDING_FACILITY"`
	PDQCharacterSet        string        `mapstructure:"PDQ_CHARACTER_SET"`
	PDQLanguage            string        `mapstructure:"PDQ_LANGUAGE"`
	PDQCountry             string        `mapstructure:"PDQ_COUNTRY"`
	PDQAllowedApplications []string      `mapstructure:"PDQ_ALLOWED_APPLICATIONS"`
	PDQFilterByAllowedApp  bool          `mapstructure:"PDQ_FILTER_BY_ALLOWED_APP"`
	PDQConfigSource        string        `mapstructure:"PDQ_CONFIG_SOURCE"`
	PDQConfigCacheTTL      time.Duration `mapstructure:"PDQ_CONFIG_CACHE_TTL"`

	MessageLogEnabled bool `mapstructure:"HL7_MESSAGE_LOG_ENABLED"`
	MetricsEnabled    bool `mapstructure:"METRICS_ENABLED"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "HTTP_PORT",
	"MLLP_ADDR", "MLLP_READ_TIMEOUT", "MLLP_MAX_MESSAGE_SIZE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"PROFILES_DIR",
	"PDQ_ENABLED", "PDQ_SENDING_APPLICATION", "PDQ_SENDING_FACILITY",
	"PDQ_CHARACTER_SET", "PDQ_LANGUAGE", "PDQ_COUNTRY",
	"PDQ_ALLOWED_APPLICATIONS", "PDQ_FILTER_BY_ALLOWED_APP",
	"PDQ_CONFIG_SOURCE", "PDQ_CONFIG_CACHE_TTL",
	"HL7_MESSAGE_LOG_ENABLED", "METRICS_ENABLED",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
}

// Load reads ./.env when present and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the given file (a leading ~ is expanded) instead of ./.env.
// Environment variables take precedence over file values.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		v.SetConfigFile(".env")
	} else {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	}
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8000")
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("MLLP_READ_TIMEOUT", "30s")
	v.SetDefault("MLLP_MAX_MESSAGE_SIZE", 1<<20)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("PDQ_ENABLED", true)
	v.SetDefault("PDQ_SENDING_APPLICATION", "gnuhealth")
	v.SetDefault("PDQ_SENDING_FACILITY", "gnuhealth")
	v.SetDefault("PDQ_CHARACTER_SET", "UNICODE UTF-8")
	v.SetDefault("PDQ_LANGUAGE", "EN")
	v.SetDefault("PDQ_COUNTRY", "ITA")
	v.SetDefault("PDQ_CONFIG_SOURCE", ConfigSourceEnv)
	v.SetDefault("PDQ_CONFIG_CACHE_TTL", "30s")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil && path != "" {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.PDQAllowedApplications = splitList(v.GetString("PDQ_ALLOWED_APPLICATIONS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether the HTTP API requires a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.MLLPAddr == "" {
		return fmt.Errorf("MLLP_ADDR is required")
	}
	if c.MLLPMaxMessageSize <= 0 {
		return fmt.Errorf("MLLP_MAX_MESSAGE_SIZE must be positive, got %d", c.MLLPMaxMessageSize)
	}
	if c.MLLPReadTimeout < 0 {
		return fmt.Errorf("MLLP_READ_TIMEOUT must not be negative")
	}
	if c.PDQConfigSource != ConfigSourceEnv && c.PDQConfigSource != ConfigSourceDatabase {
		return fmt.Errorf("PDQ_CONFIG_SOURCE must be %q or %q, got %q",
			ConfigSourceEnv, ConfigSourceDatabase, c.PDQConfigSource)
	}
	if c.PDQConfigCacheTTL < 0 {
		return fmt.Errorf("PDQ_CONFIG_CACHE_TTL must not be negative")
	}
	if _, err := hl7v2.NewEncoder(c.PDQCharacterSet); err != nil {
		return fmt.Errorf("PDQ_CHARACTER_SET: %w", err)
	}
	if c.PDQFilterByAllowedApp && len(c.PDQAllowedApplications) == 0 && c.PDQConfigSource == ConfigSourceEnv {
		return fmt.Errorf("PDQ_FILTER_BY_ALLOWED_APP is set but PDQ_ALLOWED_APPLICATIONS is empty")
	}
	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	return nil
}
