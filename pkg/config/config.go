// Package config loads guardrail configuration from YAML files and
// GUARDRAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/guardrail/pkg/dbexec"
	apperrors "github.com/odvcencio/guardrail/pkg/errors"
	"github.com/odvcencio/guardrail/pkg/limits"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/notify"
	"github.com/odvcencio/guardrail/pkg/retry"
	"github.com/odvcencio/guardrail/pkg/sandbox"
	"github.com/odvcencio/guardrail/pkg/sqlsafety"
)

// Default configuration values exported for documentation and validation
const (
	DefaultMaxRows             = 50
	DefaultMaxColumns          = 20
	DefaultMaxExecutionSeconds = 20
	DefaultBind                = "127.0.0.1:4490"
	DefaultDriver              = "sqlite"
	DefaultLogLevel            = "info"
	configDirName              = ".guardrail"
)

// Config represents the complete guardrail configuration
type Config struct {
	Limits    LimitsConfig    `yaml:"limits"`
	Retry     RetryConfig     `yaml:"retry"`
	Database  DatabaseConfig  `yaml:"database"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Server    ServerConfig    `yaml:"server"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LimitsConfig holds the default per-request execution limits.
type LimitsConfig struct {
	MaxRows             int  `yaml:"max_rows"`
	MaxColumns          int  `yaml:"max_columns"`
	MaxExecutionSeconds int  `yaml:"max_execution_seconds"`
	DebugMode           bool `yaml:"debug_mode"`
}

// RetryConfig tunes the retry controller.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // 0 = whole remaining budget
}

// DatabaseConfig selects the read-only database collaborator.
type DatabaseConfig struct {
	Driver           string  `yaml:"driver"` // sqlite | postgres
	DSN              string  `yaml:"dsn"`
	Dialect          string  `yaml:"dialect"` // defaults from driver
	MaxOpenConns     int     `yaml:"max_open_conns"`
	QueriesPerSecond float64 `yaml:"queries_per_second"` // 0 = unlimited
	Burst            int     `yaml:"burst"`
}

// SandboxConfig configures chart code evaluation.
type SandboxConfig struct {
	Isolation      string        `yaml:"isolation"` // in-process | subprocess
	TimeBudget     time.Duration `yaml:"time_budget"`
	Grace          time.Duration `yaml:"grace"`
	WorkerCommand  []string      `yaml:"worker_command"`
	MaxCallStack   int           `yaml:"max_call_stack"`
	MaxRegistry    int           `yaml:"max_registry"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxStringBytes int           `yaml:"max_string_bytes"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"` // worker process ceiling
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Bind         string        `yaml:"bind"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuditConfig configures audit persistence and fan-out.
type AuditConfig struct {
	DBPath      string `yaml:"db_path"`
	NATSURL     string `yaml:"nats_url"` // empty disables publishing
	NATSSubject string `yaml:"nats_subject"`
}

// LoggingConfig configures the event logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home := userHomeDir()
	base := filepath.Join(home, configDirName)
	rc := retry.DefaultConfig()
	sc := sandbox.DefaultConfig()
	return &Config{
		Limits: LimitsConfig{
			MaxRows:             DefaultMaxRows,
			MaxColumns:          DefaultMaxColumns,
			MaxExecutionSeconds: DefaultMaxExecutionSeconds,
		},
		Retry: RetryConfig{
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
		},
		Database: DatabaseConfig{
			Driver:       DefaultDriver,
			MaxOpenConns: 4,
		},
		Sandbox: SandboxConfig{
			Isolation:      string(sc.Isolation),
			TimeBudget:     sc.TimeBudget,
			Grace:          sc.Grace,
			MaxCallStack:   sc.MaxCallStack,
			MaxRegistry:    sc.MaxRegistry,
			MaxOutputBytes: sc.MaxOutputBytes,
			MaxStringBytes: sc.MaxStringBytes,
			MaxMemoryBytes: sc.MaxMemoryBytes,
		},
		Server: ServerConfig{
			Bind:         DefaultBind,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Audit: AuditConfig{
			DBPath:      filepath.Join(base, "audit.db"),
			NATSSubject: notify.DefaultSubject,
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(base, "logs"),
			Level: DefaultLogLevel,
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, ~/.guardrail/config.yaml, ./.guardrail/config.yaml, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if home := userHomeDir(); home != "" {
		userConfigPath := filepath.Join(home, configDirName, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, loadError(userConfigPath, err)
		}
	}

	projectConfigPath := ProjectConfigPath()
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, loadError(projectConfigPath, err)
	}

	applyEnvOverrides(cfg, configEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads defaults, then path, then environment overrides. The
// file must exist.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, loadError(path, err)
	}

	applyEnvOverrides(cfg, configEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath is ./.guardrail/config.yaml.
func ProjectConfigPath() string {
	return filepath.Join(".", configDirName, "config.yaml")
}

func loadError(path string, err error) error {
	if os.IsNotExist(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "config file not found").WithContext("path", path)
	}
	var pe *parseError
	if errors.As(err, &pe) {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing config").WithContext("path", path)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading config").WithContext("path", path)
}

// applyEnvOverrides applies GUARDRAIL_* variables. Values in
// ~/.guardrail/config.env are used when the process environment lacks them.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(configEnv[key])
	}
	setInt := func(key string, dst *int) {
		if n, err := strconv.Atoi(get(key)); err == nil {
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if f, err := strconv.ParseFloat(get(key), 64); err == nil {
			*dst = f
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if d, err := time.ParseDuration(get(key)); err == nil {
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if b, ok := parseBool(get(key)); ok {
			*dst = b
		}
	}

	setInt("GUARDRAIL_MAX_ROWS", &cfg.Limits.MaxRows)
	setInt("GUARDRAIL_MAX_COLUMNS", &cfg.Limits.MaxColumns)
	setInt("GUARDRAIL_MAX_EXECUTION_SECONDS", &cfg.Limits.MaxExecutionSeconds)
	setBool("GUARDRAIL_DEBUG_MODE", &cfg.Limits.DebugMode)

	setInt("GUARDRAIL_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	setDuration("GUARDRAIL_RETRY_INITIAL_DELAY", &cfg.Retry.InitialDelay)
	setDuration("GUARDRAIL_RETRY_MAX_DELAY", &cfg.Retry.MaxDelay)
	setFloat("GUARDRAIL_RETRY_MULTIPLIER", &cfg.Retry.Multiplier)
	setFloat("GUARDRAIL_RETRY_JITTER", &cfg.Retry.Jitter)
	setDuration("GUARDRAIL_RETRY_ATTEMPT_TIMEOUT", &cfg.Retry.AttemptTimeout)

	setString("GUARDRAIL_DB_DRIVER", &cfg.Database.Driver)
	setString("GUARDRAIL_DB_DSN", &cfg.Database.DSN)
	setString("GUARDRAIL_DB_DIALECT", &cfg.Database.Dialect)
	setInt("GUARDRAIL_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	setFloat("GUARDRAIL_DB_QUERIES_PER_SECOND", &cfg.Database.QueriesPerSecond)
	setInt("GUARDRAIL_DB_BURST", &cfg.Database.Burst)

	setString("GUARDRAIL_SANDBOX_ISOLATION", &cfg.Sandbox.Isolation)
	setDuration("GUARDRAIL_SANDBOX_TIME_BUDGET", &cfg.Sandbox.TimeBudget)
	setDuration("GUARDRAIL_SANDBOX_GRACE", &cfg.Sandbox.Grace)
	if v := get("GUARDRAIL_SANDBOX_WORKER_COMMAND"); v != "" {
		cfg.Sandbox.WorkerCommand = strings.Fields(v)
	}

	setString("GUARDRAIL_BIND", &cfg.Server.Bind)
	setString("GUARDRAIL_AUDIT_DB", &cfg.Audit.DBPath)
	setString("GUARDRAIL_NATS_URL", &cfg.Audit.NATSURL)
	setString("GUARDRAIL_NATS_SUBJECT", &cfg.Audit.NATSSubject)
	setString("GUARDRAIL_LOG_DIR", &cfg.Logging.Dir)
	setString("GUARDRAIL_LOG_LEVEL", &cfg.Logging.Level)
	setBool("GUARDRAIL_TRACING", &cfg.Telemetry.Tracing)
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if err := c.ExecutionLimits().Validate(); err != nil {
		return invalid("limits: %v", err)
	}
	if c.Retry.MaxAttempts <= 0 {
		return invalid("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.AttemptTimeout < 0 {
		return invalid("retry delays must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return invalid("retry.jitter must be within [0, 1], got %g", c.Retry.Jitter)
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return invalid("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if _, err := c.Dialect(); err != nil {
		return invalid("database.dialect: %v", err)
	}
	if c.Database.MaxOpenConns < 0 || c.Database.Burst < 0 || c.Database.QueriesPerSecond < 0 {
		return invalid("database pool and rate settings must not be negative")
	}

	if _, err := sandbox.ParseIsolation(c.Sandbox.Isolation); err != nil {
		return invalid("sandbox.isolation: %v", err)
	}
	if c.Sandbox.TimeBudget <= 0 {
		return invalid("sandbox.time_budget must be positive, got %s", c.Sandbox.TimeBudget)
	}
	if c.Sandbox.Grace < 0 {
		return invalid("sandbox.grace must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 || c.Sandbox.MaxStringBytes < 0 || c.Sandbox.MaxCallStack < 0 || c.Sandbox.MaxRegistry < 0 || c.Sandbox.MaxMemoryBytes < 0 {
		return invalid("sandbox caps must not be negative")
	}

	if strings.TrimSpace(c.Server.Bind) == "" {
		return invalid("server.bind is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrCodeConfigInvalid, format, args...).
		WithUserMessage(fmt.Sprintf("invalid configuration: "+format, args...))
}

// ExecutionLimits returns the configured default limits by value.
func (c *Config) ExecutionLimits() limits.ExecutionLimits {
	return limits.ExecutionLimits{
		MaxRows:    c.Limits.MaxRows,
		MaxColumns: c.Limits.MaxColumns,
		MaxElapsed: time.Duration(c.Limits.MaxExecutionSeconds) * time.Second,
	}
}

// RetryPolicy returns the retry controller configuration.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialDelay:   c.Retry.InitialDelay,
		MaxDelay:       c.Retry.MaxDelay,
		Multiplier:     c.Retry.Multiplier,
		Jitter:         c.Retry.Jitter,
		AttemptTimeout: c.Retry.AttemptTimeout,
	}
}

// DB returns the collaborator configuration.
func (c *Config) DB() dbexec.Config {
	return dbexec.Config{
		Driver:           c.Database.Driver,
		DSN:              expandHomeDir(c.Database.DSN),
		MaxOpenConns:     c.Database.MaxOpenConns,
		QueriesPerSecond: c.Database.QueriesPerSecond,
		Burst:            c.Database.Burst,
	}
}

// Dialect returns the configured dialect, or the driver's natural dialect
// when none is set.
func (c *Config) Dialect() (sqlsafety.Dialect, error) {
	if d := strings.TrimSpace(c.Database.Dialect); d != "" {
		return sqlsafety.ParseDialect(d)
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "postgresql", "pgx":
		return sqlsafety.DialectPostgres, nil
	default:
		return sqlsafety.DialectSQLite, nil
	}
}

// SandboxExecutor returns the sandbox configuration. Zero caps fall back
// to the sandbox defaults.
func (c *Config) SandboxExecutor() sandbox.Config {
	sc := sandbox.DefaultConfig()
	if iso, err := sandbox.ParseIsolation(c.Sandbox.Isolation); err == nil {
		sc.Isolation = iso
	}
	if c.Sandbox.TimeBudget > 0 {
		sc.TimeBudget = c.Sandbox.TimeBudget
	}
	sc.Grace = c.Sandbox.Grace
	if len(c.Sandbox.WorkerCommand) > 0 {
		sc.WorkerCommand = append([]string(nil), c.Sandbox.WorkerCommand...)
	}
	if c.Sandbox.MaxCallStack > 0 {
		sc.MaxCallStack = c.Sandbox.MaxCallStack
	}
	if c.Sandbox.MaxRegistry > 0 {
		sc.MaxRegistry = c.Sandbox.MaxRegistry
	}
	if c.Sandbox.MaxOutputBytes > 0 {
		sc.MaxOutputBytes = c.Sandbox.MaxOutputBytes
	}
	if c.Sandbox.MaxStringBytes > 0 {
		sc.MaxStringBytes = c.Sandbox.MaxStringBytes
	}
	if c.Sandbox.MaxMemoryBytes > 0 {
		sc.MaxMemoryBytes = c.Sandbox.MaxMemoryBytes
	}
	return sc
}

// LogLevel returns the configured minimum log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// AuditDBPath returns the audit database path with ~ expanded.
func (c *Config) AuditDBPath() string {
	return expandHomeDir(c.Audit.DBPath)
}

// LogDir returns the log directory with ~ expanded.
func (c *Config) LogDir() string {
	return expandHomeDir(c.Logging.Dir)
}

// Redacted returns a copy with credentials in the database DSN and the NATS
// URL masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Sandbox.WorkerCommand = append([]string(nil), c.Sandbox.WorkerCommand...)
	out.Database.DSN = redactDSN(c.Database.DSN)
	out.Audit.NATSURL = redactDSN(c.Audit.NATSURL)
	return &out
}

var keywordPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "<unparseable dsn>"
		}
		if u.User != nil {
			if _, hasPassword := u.User.Password(); hasPassword {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
			}
		}
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	return keywordPassword.ReplaceAllString(dsn, "${1}xxxxx")
}
