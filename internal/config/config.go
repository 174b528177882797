// Package config loads the service configuration from a yaml file with
// HTTPRINT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "httprint.yaml"
	envPrefix   = "HTTPRINT_"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Print    PrintConfig     `yaml:"print"`
	Jobs     JobsConfig      `yaml:"jobs"`
	Storage  StorageConfig   `yaml:"storage"`
	Archive  ArchiveConfig   `yaml:"archive"`
	Database DatabaseConfig  `yaml:"database"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Admin    AdminConfig     `yaml:"admin"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	RequireTLS     bool          `yaml:"require_tls"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	UploadRate     float64       `yaml:"upload_rate"`
	UploadBurst    int           `yaml:"upload_burst"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type PrintConfig struct {
	RequireCode   bool          `yaml:"require_code"`
	CodeDigits    int           `yaml:"code_digits"`
	MaxCopies     int           `yaml:"max_copies"`
	MaxPages      int           `yaml:"max_pages"`
	CheckPDFPages bool          `yaml:"check_pdf_pages"`
	Backend       string        `yaml:"backend"`
	Command       []string      `yaml:"command"`
	SocketAddress string        `yaml:"socket_address"`
	Timeout       time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	CodeTTL       time.Duration `yaml:"code_ttl"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	QueueDir      string `yaml:"queue_dir"`
	MaxQueueBytes int64  `yaml:"max_queue_bytes"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	KeepDays      int           `yaml:"keep_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether archived files go to a bucket instead of Dir.
func (s S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type AdminConfig struct {
	PasswordHash string        `yaml:"password_hash"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Enabled reports whether the admin API is exposed.
func (a AdminConfig) Enabled() bool {
	return a.PasswordHash != ""
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "",
			Port:           7777,
			MaxUploadBytes: 32 << 20,
			UploadRate:     1,
			UploadBurst:    5,
			ReadTimeout:    time.Minute,
			WriteTimeout:   2 * time.Minute,
			ShutdownGrace:  time.Minute,
		},
		Print: PrintConfig{
			RequireCode: true,
			CodeDigits:  4,
			MaxCopies:   10,
			MaxPages:    10,
			Backend:     "command",
			Command:     []string{"lp", "-n", "{copies}", "{file}"},
			Timeout:     30 * time.Second,
		},
		Jobs: JobsConfig{
			CodeTTL:       time.Hour,
			Retention:     24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Storage: StorageConfig{
			QueueDir:      "queue",
			MaxQueueBytes: 1 << 30,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			Dir:           "archive",
			KeepDays:      30,
			PruneInterval: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path: "data/httprint.db",
		},
		Admin: AdminConfig{
			TokenTTL: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error unless mustExist is set.
func Load(path string, mustExist bool) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !mustExist:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides scalar settings from HTTPRINT_* variables, e.g.
// HTTPRINT_PRINT_REQUIRE_CODE=false.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.envOverrides() {
		v, ok := lookup(envPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, o.name, err)
		}
	}
	return nil
}

type envOverride struct {
	name string
	set  func(string) error
}

func (c *Config) envOverrides() []envOverride {
	return []envOverride{
		{"SERVER_ADDRESS", setString(&c.Server.Address)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"SERVER_TLS_CERT", setString(&c.Server.TLSCert)},
		{"SERVER_TLS_KEY", setString(&c.Server.TLSKey)},
		{"SERVER_REQUIRE_TLS", setBool(&c.Server.RequireTLS)},
		{"SERVER_MAX_UPLOAD_BYTES", setInt64(&c.Server.MaxUploadBytes)},
		{"PRINT_REQUIRE_CODE", setBool(&c.Print.RequireCode)},
		{"PRINT_CODE_DIGITS", setInt(&c.Print.CodeDigits)},
		{"PRINT_MAX_COPIES", setInt(&c.Print.MaxCopies)},
		{"PRINT_MAX_PAGES", setInt(&c.Print.MaxPages)},
		{"PRINT_CHECK_PDF_PAGES", setBool(&c.Print.CheckPDFPages)},
		{"PRINT_BACKEND", setString(&c.Print.Backend)},
		{"PRINT_COMMAND", setFields(&c.Print.Command)},
		{"PRINT_SOCKET_ADDRESS", setString(&c.Print.SocketAddress)},
		{"PRINT_TIMEOUT", setDuration(&c.Print.Timeout)},
		{"JOBS_CODE_TTL", setDuration(&c.Jobs.CodeTTL)},
		{"JOBS_RETENTION", setDuration(&c.Jobs.Retention)},
		{"STORAGE_QUEUE_DIR", setString(&c.Storage.QueueDir)},
		{"ARCHIVE_ENABLED", setBool(&c.Archive.Enabled)},
		{"ARCHIVE_DIR", setString(&c.Archive.Dir)},
		{"ARCHIVE_S3_ACCESS_KEY", setString(&c.Archive.S3.AccessKey)},
		{"ARCHIVE_S3_SECRET_KEY", setString(&c.Archive.S3.SecretKey)},
		{"DATABASE_PATH", setString(&c.Database.Path)},
		{"ADMIN_PASSWORD_HASH", setString(&c.Admin.PasswordHash)},
		{"ADMIN_JWT_SECRET", setString(&c.Admin.JWTSecret)},
		{"METRICS_ENABLED", setBool(&c.Metrics.Enabled)},
		{"LOG_LEVEL", setString(&c.Logging.Level)},
		{"LOG_FORMAT", setString(&c.Logging.Format)},
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setFields(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = strings.Fields(v)
		return nil
	}
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server tls_cert and tls_key must be set together")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server max upload bytes must be non-negative")
	}
	if c.Server.UploadRate < 0 || c.Server.UploadBurst < 0 {
		return fmt.Errorf("server upload rate and burst must be non-negative")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Print.CodeDigits < 1 || c.Print.CodeDigits > 12 {
		return fmt.Errorf("print code digits must be between 1 and 12, got %d", c.Print.CodeDigits)
	}
	if c.Print.MaxCopies < 1 {
		return fmt.Errorf("print max copies must be at least 1")
	}
	if c.Print.MaxPages < 0 {
		return fmt.Errorf("print max pages must be non-negative")
	}
	if c.Print.Timeout <= 0 {
		return fmt.Errorf("print timeout must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Print.Timeout {
		return fmt.Errorf("server write timeout (%s) must exceed the print timeout (%s)", c.Server.WriteTimeout, c.Print.Timeout)
	}
	if c.Server.ShutdownGrace <= c.Print.Timeout {
		return fmt.Errorf("server shutdown grace (%s) must exceed the print timeout (%s)", c.Server.ShutdownGrace, c.Print.Timeout)
	}
	switch c.Print.Backend {
	case "command":
		if len(c.Print.Command) == 0 {
			return fmt.Errorf("print command is required for the command backend")
		}
	case "socket":
		if c.Print.SocketAddress == "" {
			return fmt.Errorf("print socket address is required for the socket backend")
		}
	default:
		return fmt.Errorf("invalid print backend: %s (valid: command, socket)", c.Print.Backend)
	}

	if c.Jobs.CodeTTL < 0 || c.Jobs.Retention < 0 {
		return fmt.Errorf("job code ttl and retention must be non-negative")
	}
	if c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("job sweep interval must be positive")
	}

	if c.Storage.QueueDir == "" {
		return fmt.Errorf("storage queue dir is required")
	}
	if c.Storage.MaxQueueBytes < 0 {
		return fmt.Errorf("storage max queue bytes must be non-negative")
	}

	if c.Archive.Enabled && c.Archive.Dir == "" && !c.Archive.S3.Enabled() {
		return fmt.Errorf("archive dir or s3 bucket is required when archiving is enabled")
	}
	if c.Archive.KeepDays < 0 {
		return fmt.Errorf("archive keep days must be non-negative")
	}

	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("webhook %d: url must be http or https", i)
		}
	}

	if c.Admin.Enabled() && !strings.HasPrefix(c.Admin.PasswordHash, "$2") {
		return fmt.Errorf("admin password hash must be a bcrypt hash (see hash-password)")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
