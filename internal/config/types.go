package config

import "time"

// Config is the complete conduct configuration.
type Config struct {
	Service   ServiceConfig           `yaml:"service"`
	Journal   JournalConfig           `yaml:"journal"`
	API       APIConfig               `yaml:"api,omitempty"`
	Pipelines map[string]PipelineConf `yaml:"pipelines"`
}

// ServiceConfig defines core runtime settings.
type ServiceConfig struct {
	Name        string        `yaml:"name"`
	LogLevel    string        `yaml:"log_level"`
	PoolSize    int           `yaml:"pool_size"`
	HookTimeout time.Duration `yaml:"hook_timeout"`
}

// JournalConfig defines run journal storage settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines the status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// PipelineConf declares one pipeline.
type PipelineConf struct {
	Hooks         *HooksConf     `yaml:"hooks,omitempty"`
	Action        string         `yaml:"action,omitempty"`
	MaxConcurrent int            `yaml:"max_concurrent,omitempty"`
	Activities    []ActivityConf `yaml:"activities"`
}

// HooksConf points at an executable hook source.
type HooksConf struct {
	File   string `yaml:"file"`
	Export string `yaml:"export,omitempty"`
}

// ActivityConf declares one activity. Kind defaults to "once". The body is
// exactly one of: a registered op name (op), an executable entrypoint (exec),
// or a nested activity list (activities). Predicates, splitters, and
// rejoiners are registered names.
type ActivityConf struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind,omitempty"`
	Pred string `yaml:"pred,omitempty"`

	Op         string         `yaml:"op,omitempty"`
	Exec       string         `yaml:"exec,omitempty"`
	Activities []ActivityConf `yaml:"activities,omitempty"`

	Split string `yaml:"split,omitempty"`
	Join  string `yaml:"join,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Kinds accepted in ActivityConf.Kind.
var Kinds = []string{"once", "while", "until", "if", "split", "break", "continue"}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "conduct",
			LogLevel:    "INFO",
			PoolSize:    10,
			HookTimeout: time.Second,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "conduct.db",
		},
		Pipelines: map[string]PipelineConf{},
	}
}
