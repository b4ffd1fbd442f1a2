// Package config provides a reusable loader for the kernel's configuration
// files and environment variables.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/synnergy-network/chainkernel/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a kernel process. It mirrors the
// structure of the YAML files Load reads (default.yaml plus an optional
// overlay, searched for under cmd/config and config).
type Config struct {
	Network struct {
		ChainID    string `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		BlockGasLimit uint64 `mapstructure:"block_gas_limit" json:"block_gas_limit"`
		BlockTimeoutMS int   `mapstructure:"block_timeout_ms" json:"block_timeout_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	VM struct {
		InvocationTimeoutMS int    `mapstructure:"invocation_timeout_ms" json:"invocation_timeout_ms"`
		ModulesDir          string `mapstructure:"modules_dir" json:"modules_dir"`
	} `mapstructure:"vm" json:"vm"`

	Storage struct {
		DBPath          string `mapstructure:"db_path" json:"db_path"`
		RetainVersions  uint64 `mapstructure:"retain_versions" json:"retain_versions"`
		SnapshotEvery   uint64 `mapstructure:"snapshot_every" json:"snapshot_every"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. Failure to read the default config file is fatal; this loader
// never synthesizes defaults silently.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the KERNELD_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("KERNELD_ENV", ""))
}
