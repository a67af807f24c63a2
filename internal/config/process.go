package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ProcessConfig is the daemon's own process configuration — listen
// address, data directory, logging — bound via viper from flags, a
// config file, and environment variables, mirroring MaxIOFS-MaxIOFS's
// internal/config/config.go Load/setDefaults/bindFlags shape.
type ProcessConfig struct {
	ListenAddr string `mapstructure:"listen"`
	DataDir    string `mapstructure:"data_dir"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	ProjectID string `mapstructure:"project_id"`
	UserID    string `mapstructure:"user_id"`
	AuthToken string `mapstructure:"auth_token"`
}

// Config is the daemon's fully resolved configuration: process-level
// settings plus the resolved sync knobs read from DataDir/sync.json.
type Config struct {
	Process  ProcessConfig
	Sync     Resolved
	DeviceID string
}

// LoadProcess builds a ProcessConfig from cmd's flags, a config file
// (if --config points at one), and DRIFTSYNCD_-prefixed environment
// variables, applying defaults for anything still unset.
func LoadProcess(cmd *cobra.Command) (*ProcessConfig, error) {
	v := viper.New()
	setProcessDefaults(v)

	if err := bindProcessFlags(cmd.Flags(), v); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DRIFTSYNCD")
	v.AutomaticEnv()

	var cfg ProcessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal process config: %w", err)
	}

	if err := validateProcess(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid process config: %w", err)
	}
	return &cfg, nil
}

func setProcessDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":9090")
	v.SetDefault("log_level", "info")
}

func bindProcessFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	names := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
		"project-id": "project_id",
		"user-id":    "user_id",
		"auth-token": "auth_token",
	}
	for flag, key := range names {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func validateProcess(cfg *ProcessConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or DRIFTSYNCD_DATA_DIR")
	}
	abs, err := filepath.Abs(cfg.DataDir)
	if err == nil {
		cfg.DataDir = abs
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
