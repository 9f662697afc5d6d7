package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SENSEAGENT"
	defaultHTTPAddress      = "127.0.0.1:8087"
	defaultDatabasePath     = "sense-agent.db"
	defaultLogLevel         = "info"
	defaultUploadBatchSize  = 200
	defaultUploadInterval   = 24
	defaultScheduleInterval = 24
)

// AppConfig captures runtime configuration for the device agent.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	APIBaseURL           string
	UploadBatchSize      int
	UploadInterval       time.Duration
	ScheduleInterval     time.Duration
	RequireNetworkUpload bool
	RequirePowerUpload   bool
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("api.base_url", "")
	configViper.SetDefault("upload.batch_size", defaultUploadBatchSize)
	configViper.SetDefault("upload.interval_hours", defaultUploadInterval)
	configViper.SetDefault("upload.require_network", true)
	configViper.SetDefault("upload.require_power", true)
	configViper.SetDefault("esm.schedule_interval_hours", defaultScheduleInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		APIBaseURL:           configViper.GetString("api.base_url"),
		UploadBatchSize:      configViper.GetInt("upload.batch_size"),
		UploadInterval:       time.Duration(configViper.GetInt("upload.interval_hours")) * time.Hour,
		ScheduleInterval:     time.Duration(configViper.GetInt("esm.schedule_interval_hours")) * time.Hour,
		RequireNetworkUpload: configViper.GetBool("upload.require_network"),
		RequirePowerUpload:   configViper.GetBool("upload.require_power"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.UploadBatchSize <= 0 {
		return fmt.Errorf("upload.batch_size must be positive")
	}
	if c.UploadInterval <= 0 {
		return fmt.Errorf("upload.interval_hours must be positive")
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("esm.schedule_interval_hours must be positive")
	}
	return nil
}
