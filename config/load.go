package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/gridwms/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
	loadMu        sync.Mutex
)

// Load reads the gridwms configuration using Viper.
// The result is cached; call Reset to force a reload.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	config, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance.
// Used by tests that need an isolated instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	return unmarshal(v)
}

// FilePath returns the config file the cached instance was read from, or ""
// when configuration came from defaults and environment only.
func FilePath() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	if viperInstance == nil {
		return ""
	}
	return viperInstance.ConfigFileUsed()
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("gridwms")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "gridwms"))
	}

	v.SetEnvPrefix("GRIDWMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine; defaults and env cover everything
	_ = v.ReadInConfig()

	viperInstance = v
	return v
}
