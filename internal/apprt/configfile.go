package apprt

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of the --config file. Every field is
// optional; unset fields keep their DefaultConfig value and env vars
// override the file.
type fileConfig struct {
	DBPath         string `yaml:"db_path"`
	Env            string `yaml:"env"`
	RedisURL       string `yaml:"redis_url"`
	ServicePort    int    `yaml:"service_port"`
	SkipValidation bool   `yaml:"skip_validation"`
	LogLevel       string `yaml:"log_level"`
	ReloadSeconds  int    `yaml:"reload_interval_seconds"`
	GraceSeconds   int    `yaml:"shutdown_grace_seconds"`
}

// LoadConfig resolves the effective configuration: defaults, then the
// optional YAML file at path, then the VOLTAGE_*/REDIS_URL/SERVICE_PORT
// env vars on top. A missing file with an empty path is not an error; a
// named file that cannot be read or parsed is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, Wrap(KindConfig, "load_config", "read config file", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, Wrap(KindConfig, "load_config", "parse config file", err)
		}
		if fc.DBPath != "" {
			cfg.DBPath = fc.DBPath
		}
		if fc.Env != "" {
			cfg.Env = fc.Env
		}
		if fc.RedisURL != "" {
			cfg.RedisURL = fc.RedisURL
		}
		if fc.ServicePort != 0 {
			cfg.ServicePort = fc.ServicePort
		}
		if fc.SkipValidation {
			cfg.SkipValidation = true
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = ParseLevel(fc.LogLevel)
		}
		if fc.ReloadSeconds > 0 {
			cfg.ReloadInterval = time.Duration(fc.ReloadSeconds) * time.Second
		}
		if fc.GraceSeconds > 0 {
			cfg.ShutdownGrace = time.Duration(fc.GraceSeconds) * time.Second
		}
	}

	if v := os.Getenv("VOLTAGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VOLTAGE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("SERVICE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ServicePort = port
		}
	}
	if v := os.Getenv("SKIP_VALIDATION"); v != "" {
		cfg.SkipValidation = v == "1" || v == "true" || v == "yes"
	}
	return cfg, nil
}
