package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type parseError struct {
	err error
}

func (e *parseError) Error() string { return "parsing YAML: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// loadAndMerge loads a YAML file and merges the keys it sets into cfg.
// Unknown keys are rejected.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var override Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&override); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &parseError{err: err}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &parseError{err: err}
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs copies every field present in raw from override into base.
// Presence, not zero-ness, decides, so an explicit 0 or false is honored.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	mergeField(raw, &base.Limits.MaxRows, override.Limits.MaxRows, "limits", "max_rows")
	mergeField(raw, &base.Limits.MaxColumns, override.Limits.MaxColumns, "limits", "max_columns")
	mergeField(raw, &base.Limits.MaxExecutionSeconds, override.Limits.MaxExecutionSeconds, "limits", "max_execution_seconds")
	mergeField(raw, &base.Limits.DebugMode, override.Limits.DebugMode, "limits", "debug_mode")

	mergeField(raw, &base.Retry.MaxAttempts, override.Retry.MaxAttempts, "retry", "max_attempts")
	mergeField(raw, &base.Retry.InitialDelay, override.Retry.InitialDelay, "retry", "initial_delay")
	mergeField(raw, &base.Retry.MaxDelay, override.Retry.MaxDelay, "retry", "max_delay")
	mergeField(raw, &base.Retry.Multiplier, override.Retry.Multiplier, "retry", "multiplier")
	mergeField(raw, &base.Retry.Jitter, override.Retry.Jitter, "retry", "jitter")
	mergeField(raw, &base.Retry.AttemptTimeout, override.Retry.AttemptTimeout, "retry", "attempt_timeout")

	mergeField(raw, &base.Database.Driver, override.Database.Driver, "database", "driver")
	mergeField(raw, &base.Database.DSN, override.Database.DSN, "database", "dsn")
	mergeField(raw, &base.Database.Dialect, override.Database.Dialect, "database", "dialect")
	mergeField(raw, &base.Database.MaxOpenConns, override.Database.MaxOpenConns, "database", "max_open_conns")
	mergeField(raw, &base.Database.QueriesPerSecond, override.Database.QueriesPerSecond, "database", "queries_per_second")
	mergeField(raw, &base.Database.Burst, override.Database.Burst, "database", "burst")

	mergeField(raw, &base.Sandbox.Isolation, override.Sandbox.Isolation, "sandbox", "isolation")
	mergeField(raw, &base.Sandbox.TimeBudget, override.Sandbox.TimeBudget, "sandbox", "time_budget")
	mergeField(raw, &base.Sandbox.Grace, override.Sandbox.Grace, "sandbox", "grace")
	if fieldSet(raw, "sandbox", "worker_command") {
		base.Sandbox.WorkerCommand = append([]string{}, override.Sandbox.WorkerCommand...)
	}
	mergeField(raw, &base.Sandbox.MaxCallStack, override.Sandbox.MaxCallStack, "sandbox", "max_call_stack")
	mergeField(raw, &base.Sandbox.MaxRegistry, override.Sandbox.MaxRegistry, "sandbox", "max_registry")
	mergeField(raw, &base.Sandbox.MaxOutputBytes, override.Sandbox.MaxOutputBytes, "sandbox", "max_output_bytes")
	mergeField(raw, &base.Sandbox.MaxStringBytes, override.Sandbox.MaxStringBytes, "sandbox", "max_string_bytes")
	mergeField(raw, &base.Sandbox.MaxMemoryBytes, override.Sandbox.MaxMemoryBytes, "sandbox", "max_memory_bytes")

	mergeField(raw, &base.Server.Bind, override.Server.Bind, "server", "bind")
	mergeField(raw, &base.Server.ReadTimeout, override.Server.ReadTimeout, "server", "read_timeout")
	mergeField(raw, &base.Server.WriteTimeout, override.Server.WriteTimeout, "server", "write_timeout")

	mergeField(raw, &base.Audit.DBPath, override.Audit.DBPath, "audit", "db_path")
	mergeField(raw, &base.Audit.NATSURL, override.Audit.NATSURL, "audit", "nats_url")
	mergeField(raw, &base.Audit.NATSSubject, override.Audit.NATSSubject, "audit", "nats_subject")

	mergeField(raw, &base.Logging.Dir, override.Logging.Dir, "logging", "dir")
	mergeField(raw, &base.Logging.Level, override.Logging.Level, "logging", "level")

	mergeField(raw, &base.Telemetry.Tracing, override.Telemetry.Tracing, "telemetry", "tracing")
}

func mergeField[T any](raw map[string]any, dst *T, value T, path ...string) {
	if fieldSet(raw, path...) {
		*dst = value
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

// loadConfigEnvVars reads KEY=value lines from ~/.guardrail/config.env.
func loadConfigEnvVars() map[string]string {
	home := userHomeDir()
	if home == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(home, configDirName, "config.env"))
	if err != nil {
		return nil
	}
	return parseEnvFile(string(data))
}

func parseEnvFile(data string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}

func parseBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return os.Getenv("HOME")
	}
	return home
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home := userHomeDir(); home != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home := userHomeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
