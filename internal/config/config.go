// Package config loads queuertctl's on-disk configuration: viper resolves
// environment variable overrides while the file itself is plain TOML
// decoded with BurntSushi/toml (decoded directly into Config rather than
// through viper's own mapstructure tags, so zero-value defaults and
// validation stay in one place).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is queuertctl's resolved configuration.
type Config struct {
	// StorePath is the sqlite database file the engine's jobs/chains live
	// in. ":memory:" is accepted for smoke-testing a config file itself.
	StorePath string `toml:"store_path"`

	Logging struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
		// FilePath, if set, routes logs through a rotating file instead of
		// stderr (see internal/logging.Config.FilePath).
		FilePath string `toml:"file_path"`
	} `toml:"logging"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	c := Config{StorePath: "queuert.db"}
	c.Logging.Level = "info"
	return c
}

// Load resolves configuration from path (if non-empty), falling back to
// ./queuertctl.toml, then Default(). The environment variables
// QUEUERTCTL_STORE_PATH, QUEUERTCTL_LOGGING_LEVEL and
// QUEUERTCTL_LOGGING_FILE_PATH override their keys; logging.json has no
// environment override.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUEUERTCTL")
	v.AutomaticEnv()

	cfg := Default()

	candidate := path
	if candidate == "" {
		if _, err := os.Stat("./queuertctl.toml"); err == nil {
			candidate = "./queuertctl.toml"
		}
	}
	if candidate == "" {
		return applyEnvOverrides(v, cfg), nil
	}

	if _, err := toml.DecodeFile(candidate, &cfg); err != nil {
		return Config{}, fmt.Errorf("queuertctl: load config %s: %w", candidate, err)
	}
	return applyEnvOverrides(v, cfg), nil
}

func applyEnvOverrides(v *viper.Viper, cfg Config) Config {
	if sp := v.GetString("store_path"); sp != "" {
		cfg.StorePath = sp
	}
	if lvl := v.GetString("logging_level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if fp := v.GetString("logging_file_path"); fp != "" {
		cfg.Logging.FilePath = fp
	}
	return cfg
}
