package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "REGMIRROR"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "regmirror.db"
	defaultLogLevel     = "info"
	defaultAPIURL       = "https://api.webconnex.com/v2/public"
	defaultSyncInterval = time.Minute
	startDateLayout     = "2006-01-02"
)

// AppConfig captures runtime configuration for the mirror service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	APIKey       string
	APIURL       string
	FormID       string
	EventName    string
	EventStart   time.Time
	SyncInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("regfox.api_url", defaultAPIURL)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		APIKey:       configViper.GetString("regfox.api_key"),
		APIURL:       configViper.GetString("regfox.api_url"),
		FormID:       configViper.GetString("regfox.form_id"),
		EventName:    configViper.GetString("regfox.event_name"),
		SyncInterval: configViper.GetDuration("sync.interval"),
	}

	if raw := strings.TrimSpace(configViper.GetString("regfox.start_date")); raw != "" {
		start, err := time.ParseInLocation(startDateLayout, raw, time.UTC)
		if err != nil {
			return AppConfig{}, fmt.Errorf("regfox.start_date must be YYYY-MM-DD: %w", err)
		}
		cfg.EventStart = start
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("regfox.api_key is required")
	}
	if strings.TrimSpace(c.FormID) == "" {
		return fmt.Errorf("regfox.form_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}
