package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError is one failed configuration check.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every configuration problem before reporting, so an
// operator sees all of them in one start attempt.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

func (v *Validator) ErrorString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(v.errors)))
	for i, err := range v.errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func (v *Validator) Required(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required value not set")
	}
}

func (v *Validator) URL(key, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// Port accepts "8080", ":8080" and "host:8080".
func (v *Validator) Port(key, value string) {
	if value == "" {
		return
	}
	portStr := value
	if i := strings.LastIndex(value, ":"); i >= 0 {
		portStr = value[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

func (v *Validator) MinLength(key, value string, minLen int) {
	if value == "" {
		return
	}
	if len(value) < minLen {
		v.AddError(key, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

func (v *Validator) Enum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) Positive(key string, n int64) {
	if n <= 0 {
		v.AddError(key, "must be a positive number")
	}
}

func (v *Validator) Email(key, value string) {
	if value == "" {
		return
	}
	if !strings.Contains(value, "@") || !strings.Contains(value, ".") {
		v.AddError(key, "must be a valid email address")
	}
}

// Validate checks the loaded configuration and returns a single error
// listing every problem found.
func (c Config) Validate() error {
	v := NewValidator()

	v.Port("server.addr", c.Server.Addr)
	v.URL("server.base_url", c.Server.BaseURL)
	v.Enum("server.env", c.Server.Env, []string{"development", "staging", "production"})
	for _, p := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			v.AddError("server.trusted_proxies", fmt.Sprintf("%q is not an IP or CIDR", p))
		}
	}
	v.Enum("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"})
	v.Enum("log.format", c.Log.Format, []string{"json", "console"})

	v.Required("auth.session_secret", c.Auth.SessionSecret)
	v.MinLength("auth.session_secret", c.Auth.SessionSecret, 32)
	v.Positive("auth.session_ttl", int64(c.Auth.SessionTTL))
	v.Positive("auth.lockout_attempts", int64(c.Auth.LockoutAttempts))

	v.Required("db.main.dsn", c.DB.Main.DSN)
	if c.DB.ERP.Configured() && !strings.HasPrefix(c.DB.ERP.DSN, "sqlserver://") {
		v.AddError("db.erp.dsn", "must be a sqlserver:// URL")
	}

	switch c.Storage.Backend {
	case "drive":
		v.Required("storage.drive.client_id", c.Storage.Drive.ClientID)
		v.Required("storage.drive.client_secret", c.Storage.Drive.ClientSecret)
		v.Required("storage.drive.refresh_token", c.Storage.Drive.RefreshToken)
		v.Required("storage.drive.root_folder_id", c.Storage.Drive.RootFolderID)
	case "s3":
		v.Required("storage.s3.endpoint", c.Storage.S3.Endpoint)
		v.Required("storage.s3.access_key", c.Storage.S3.AccessKey)
		v.Required("storage.s3.secret_key", c.Storage.S3.SecretKey)
		v.Required("storage.s3.bucket", c.Storage.S3.Bucket)
	default:
		v.Enum("storage.backend", c.Storage.Backend, []string{"drive", "s3"})
	}

	v.Positive("upload.max_bytes", c.Upload.MaxBytes)
	v.Positive("download.token_ttl", int64(c.Download.TokenTTL))

	if c.Cleanup.Enabled {
		v.Positive("cleanup.interval", int64(c.Cleanup.Interval))
		v.Positive("cleanup.max_age", int64(c.Cleanup.MaxAge))
	}

	if c.Notify.Enabled {
		v.Required("notify.smtp_host", c.Notify.SMTPHost)
		v.Positive("notify.smtp_port", int64(c.Notify.SMTPPort))
		v.Required("notify.from", c.Notify.From)
		v.Email("notify.from", c.Notify.From)
		v.Positive("notify.interval", int64(c.Notify.Interval))
	}

	v.Positive("erp.breaker_failures", int64(c.ERP.BreakerFailures))
	v.Positive("erp.breaker_timeout", int64(c.ERP.BreakerTimeout))
	v.Positive("erp.query_timeout", int64(c.ERP.QueryTimeout))

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// Warnings lists optional settings that are missing but worth knowing about.
func (c Config) Warnings() []string {
	warnings := make([]string, 0)
	if !c.DB.ERP.Configured() {
		warnings = append(warnings, "db.erp.dsn not set - ERP lookups and step import disabled")
	}
	if !c.DB.Equipment.Configured() {
		warnings = append(warnings, "db.equipment.dsn not set - machine lookups disabled")
	}
	if !c.DB.HR.Configured() {
		warnings = append(warnings, "db.hr.dsn not set - employee lookups disabled")
	}
	if !c.Notify.Enabled {
		warnings = append(warnings, "notify.enabled is false - overdue digests are only logged")
	}
	return warnings
}
