package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/albinvar/anatome.ai/errors"
)

// Load reads configuration from defaults, an optional config file, and
// ANATOME_-prefixed environment variables. An empty configPath skips the
// file and uses defaults plus environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("ANATOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithViper loads configuration using a provided Viper instance.
// Useful for tests that inject values directly.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
