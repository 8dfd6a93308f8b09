package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, verifies and validates configuration from a YAML file.
// If a .checksums manifest sits next to the file, the file is verified
// against it before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}

	if err := verifyAgainstManifest(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func verifyAgainstManifest(configPath string) error {
	dir := filepath.Dir(configPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no manifest, nothing to verify
		}
		return err
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config %s has no entry in .checksums (run 'agentlink config hash-update')", name)
	}
	if err := VerifyFileHash(configPath, expected); err != nil {
		return fmt.Errorf("config integrity check failed: %w\n"+
			"If you edited the file intentionally, run: agentlink config hash-update", err)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Agent.Executable == "" {
		return fmt.Errorf("agent.executable is required")
	}
	if cfg.Agent.Port <= 0 || cfg.Agent.Port > 65535 {
		return fmt.Errorf("agent.port %d out of range", cfg.Agent.Port)
	}
	if cfg.Agent.Host == "" {
		return fmt.Errorf("agent.host is required")
	}
	if cfg.Agent.StartupTimeout <= 0 {
		return fmt.Errorf("agent.startup_timeout must be positive")
	}
	if cfg.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("agent.request_timeout must be positive")
	}
	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if cfg.Queue.BackoffBase <= 0 || cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_base/backoff_max are inconsistent")
	}
	if cfg.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	if cfg.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.window must be positive")
	}
	if cfg.Breaker.OpenFor <= 0 {
		return fmt.Errorf("breaker.open_for must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled")
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	return nil
}
