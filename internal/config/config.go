// Package config loads planner configuration from an optional YAML file,
// an optional .env file and PLANNER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Server struct {
		Addr       string `mapstructure:"addr"`
		Env        string `mapstructure:"env"`
		BaseURL    string `mapstructure:"base_url"`
		CORSOrigin string `mapstructure:"cors_origin"`
		// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For and
		// X-Real-IP headers are believed.
		TrustedProxies []string `mapstructure:"trusted_proxies"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Auth struct {
		SessionSecret     string        `mapstructure:"session_secret"`
		SessionTTL        time.Duration `mapstructure:"session_ttl"`
		BootstrapUser     string        `mapstructure:"bootstrap_user"`
		BootstrapPassword string        `mapstructure:"bootstrap_password"`
		LockoutAttempts   int           `mapstructure:"lockout_attempts"`
		LockoutDuration   time.Duration `mapstructure:"lockout_duration"`
	} `mapstructure:"auth"`

	DB struct {
		Main            DSN           `mapstructure:"main"`
		Equipment       DSN           `mapstructure:"equipment"`
		HR              DSN           `mapstructure:"hr"`
		ERP             DSN           `mapstructure:"erp"`
		MaxOpen         int           `mapstructure:"max_open"`
		MaxIdle         int           `mapstructure:"max_idle"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"db"`

	Storage struct {
		Backend string `mapstructure:"backend"`
		Drive   struct {
			ClientID     string `mapstructure:"client_id"`
			ClientSecret string `mapstructure:"client_secret"`
			RefreshToken string `mapstructure:"refresh_token"`
			RootFolderID string `mapstructure:"root_folder_id"`
		} `mapstructure:"drive"`
		S3 struct {
			Endpoint  string `mapstructure:"endpoint"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			Bucket    string `mapstructure:"bucket"`
		} `mapstructure:"s3"`
	} `mapstructure:"storage"`

	Upload struct {
		MaxBytes int64 `mapstructure:"max_bytes"`
	} `mapstructure:"upload"`

	Download struct {
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"download"`

	Cleanup struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
		MaxAge   time.Duration `mapstructure:"max_age"`
	} `mapstructure:"cleanup"`

	Notify struct {
		Enabled      bool          `mapstructure:"enabled"`
		Interval     time.Duration `mapstructure:"interval"`
		SMTPHost     string        `mapstructure:"smtp_host"`
		SMTPPort     int           `mapstructure:"smtp_port"`
		SMTPUser     string        `mapstructure:"smtp_user"`
		SMTPPassword string        `mapstructure:"smtp_password"`
		From         string        `mapstructure:"from"`
	} `mapstructure:"notify"`

	ERP struct {
		BreakerFailures int           `mapstructure:"breaker_failures"`
		BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
		QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	} `mapstructure:"erp"`
}

// DSN is a single database connection string. Empty means "not configured".
type DSN struct {
	DSN string `mapstructure:"dsn"`
}

func (d DSN) Configured() bool { return strings.TrimSpace(d.DSN) != "" }

var defaults = map[string]any{
	"server.addr":                  ":8080",
	"server.env":                   "development",
	"server.base_url":              "http://localhost:8080",
	"server.cors_origin":           "",
	"server.trusted_proxies":       []string{},
	"log.level":                    "info",
	"log.format":                   "",
	"auth.session_secret":          "",
	"auth.session_ttl":             "12h",
	"auth.bootstrap_user":          "admin",
	"auth.bootstrap_password":      "",
	"auth.lockout_attempts":        5,
	"auth.lockout_duration":        "15m",
	"db.main.dsn":                  "",
	"db.equipment.dsn":             "",
	"db.hr.dsn":                    "",
	"db.erp.dsn":                   "",
	"db.max_open":                  10,
	"db.max_idle":                  10,
	"db.conn_max_lifetime":         "30m",
	"storage.backend":              "drive",
	"storage.drive.client_id":      "",
	"storage.drive.client_secret":  "",
	"storage.drive.refresh_token":  "",
	"storage.drive.root_folder_id": "",
	"storage.s3.endpoint":          "",
	"storage.s3.access_key":        "",
	"storage.s3.secret_key":        "",
	"storage.s3.bucket":            "",
	"upload.max_bytes":             25 << 20,
	"download.token_ttl":           "10m",
	"cleanup.enabled":              true,
	"cleanup.interval":             "1h",
	"cleanup.max_age":              "24h",
	"notify.enabled":               false,
	"notify.interval":              "24h",
	"notify.smtp_host":             "",
	"notify.smtp_port":             587,
	"notify.smtp_user":             "",
	"notify.smtp_password":         "",
	"notify.from":                  "",
	"erp.breaker_failures":         5,
	"erp.breaker_timeout":          "30s",
	"erp.query_timeout":            "10s",
}

// Load reads configuration. A missing config file is not an error; every key
// can come from the environment instead.
func Load(path string) (Config, error) {
	// .env is a convenience for local runs only.
	if _, err := os.Stat(".env"); err == nil {
		if err := gotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("PLANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
		if c.Server.Env == "production" {
			c.Log.Format = "json"
		}
	}
	return c, nil
}
