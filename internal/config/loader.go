package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the replica daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	AppName        string `json:"app_name" yaml:"app_name" toml:"app_name"`
	DeploymentName string `json:"deployment_name" yaml:"deployment_name" toml:"deployment_name"`
	ReplicaTag     string `json:"replica_tag" yaml:"replica_tag" toml:"replica_tag"`
	// Name of the registered handler definition to serve.
	Definition string `json:"definition" yaml:"definition" toml:"definition"`
	// Positional init args for the handler constructor.
	InitArgs []any `json:"init_args" yaml:"init_args" toml:"init_args"`
	// Code version advertised in deployment metadata.
	CodeVersion string `json:"code_version" yaml:"code_version" toml:"code_version"`
	// Opaque user config applied on first initialization.
	UserConfig map[string]any `json:"user_config" yaml:"user_config" toml:"user_config"`
	// Grace period between drain-loop samples during shutdown.
	GracefulShutdownWait time.Duration `json:"graceful_shutdown_wait" yaml:"graceful_shutdown_wait" toml:"graceful_shutdown_wait"`
	// Interval between autoscaling samples pushed to the controller (0 disables).
	AutoscalingInterval time.Duration `json:"autoscaling_interval" yaml:"autoscaling_interval" toml:"autoscaling_interval"`
	LogLevel            string        `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSEnabled         bool          `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins         []string      `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
