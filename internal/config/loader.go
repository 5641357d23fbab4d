package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, defaults, and validates configuration from a file.
// A directory path is resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} references. Unset variables expand empty.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "conduct"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "INFO"
	}
	if cfg.Service.PoolSize <= 0 {
		cfg.Service.PoolSize = 10
	}
	if cfg.Service.HookTimeout <= 0 {
		cfg.Service.HookTimeout = time.Second
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "conduct.db"
	}
}

func validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.enabled requires api.listen")
	}
	for name, pl := range cfg.Pipelines {
		if len(pl.Activities) == 0 {
			return fmt.Errorf("pipeline %q has no activities", name)
		}
		if pl.Hooks != nil && pl.Hooks.File == "" {
			return fmt.Errorf("pipeline %q: hooks.file is empty", name)
		}
		if err := validateActivities(name, pl.Activities); err != nil {
			return err
		}
	}
	return nil
}

func validateActivities(pipeline string, activities []ActivityConf) error {
	seen := make(map[string]bool)
	for _, a := range activities {
		if a.Name == "" {
			return fmt.Errorf("pipeline %q: activity without a name", pipeline)
		}
		if seen[a.Name] {
			return fmt.Errorf("pipeline %q: duplicate activity %q", pipeline, a.Name)
		}
		seen[a.Name] = true

		kind := a.Kind
		if kind == "" {
			kind = "once"
		}
		if !slices.Contains(Kinds, kind) {
			return fmt.Errorf("pipeline %q: activity %q has unknown kind %q", pipeline, a.Name, a.Kind)
		}

		bodies := 0
		for _, set := range []bool{a.Op != "", a.Exec != "", len(a.Activities) > 0} {
			if set {
				bodies++
			}
		}

		switch kind {
		case "break", "continue":
			if a.Pred == "" {
				return fmt.Errorf("pipeline %q: activity %q (%s) needs pred", pipeline, a.Name, kind)
			}
			if bodies != 0 {
				return fmt.Errorf("pipeline %q: activity %q (%s) must not have a body", pipeline, a.Name, kind)
			}
			continue
		case "while", "until", "if":
			if a.Pred == "" {
				return fmt.Errorf("pipeline %q: activity %q (%s) needs pred", pipeline, a.Name, kind)
			}
		case "split":
			if a.Split == "" || a.Join == "" {
				return fmt.Errorf("pipeline %q: activity %q (split) needs split and join", pipeline, a.Name)
			}
		}

		if bodies != 1 {
			return fmt.Errorf("pipeline %q: activity %q needs exactly one of op, exec, activities", pipeline, a.Name)
		}
		if len(a.Activities) > 0 {
			if err := validateActivities(pipeline, a.Activities); err != nil {
				return err
			}
		}
	}
	return nil
}
