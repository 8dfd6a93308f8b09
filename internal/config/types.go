package config

import "time"

// Config is the complete agentlink configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Agent   AgentConfig   `yaml:"agent"`
	Queue   QueueConfig   `yaml:"queue"`
	Breaker BreakerConfig `yaml:"breaker"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// AgentConfig describes the supervised agent-server process and its endpoint.
type AgentConfig struct {
	Executable     string            `yaml:"executable"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Model          string            `yaml:"model,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	HealthInterval time.Duration     `yaml:"health_interval"`
}

// QueueConfig defines message queue limits and retry behavior.
type QueueConfig struct {
	Capacity       int           `yaml:"capacity"`
	MaxAttempts    int           `yaml:"max_attempts"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// BreakerConfig defines circuit breaker settings.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	OpenFor   time.Duration `yaml:"open_for"`
}

// JournalConfig defines outcome journal storage settings.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines the local control server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:           "agentlink",
			LogLevel:       "INFO",
			LogFormat:      "json",
			MaxRestarts:    3,
			RestartBackoff: 2 * time.Second,
		},
		Agent: AgentConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			StartupTimeout: 30 * time.Second,
			RequestTimeout: 60 * time.Second,
			HealthInterval: 10 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:       256,
			MaxAttempts:    4,
			DefaultTimeout: 120 * time.Second,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			SweepInterval:  time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Window:    60 * time.Second,
			OpenFor:   15 * time.Second,
		},
		Journal: JournalConfig{
			Path:      "agentlink.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8790",
		},
	}
}
