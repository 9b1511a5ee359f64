package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DAGBFT_CONSENSUS_BETA=20
const EnvPrefix = "DAGBFT"

// LoadConfig loads configuration from multiple sources in priority order:
// 1. Default values
// 2. Configuration file (dagbftd.toml), when path is not empty
// 3. Environment variables (DAGBFT_ prefix)
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults first
	setDefaults(v)

	// 2. Load the configuration file
	if path != "" {
		if err := loadFile(v, path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 3. Set up environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.configPath = path

	// 5. Validate the complete configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns the defaults without reading a file or the
// environment
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &config
}

// loadFile reads the TOML configuration file
func loadFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// ValidateConfig validates every section
func ValidateConfig(config *Config) error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"node", config.Node.Validate},
		{"consensus", config.Consensus.Validate},
		{"quorum", config.Quorum.Validate},
		{"reputation", config.Reputation.Validate},
		{"byzantine", config.Byzantine.Validate},
		{"finality", config.Finality.Validate},
		{"forks", config.Forks.Validate},
		{"storage", config.Storage.Validate},
		{"metrics", config.Metrics.Validate},
		{"feed", config.Feed.Validate},
		{"validators", func() error { return validateValidators(config.Validators) }},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s validation failed: %w", s.name, err)
		}
	}
	return nil
}

// SaveExampleConfig writes a configuration file with every default set
func SaveExampleConfig(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}
