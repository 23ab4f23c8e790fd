package config

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARC_BACKUP_GENERATION.
const EnvPrefix = "ARC_BACKUP"

// BindFlags registers the global flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.Int("generation", 0, "active generation (default 1)")
	f.String("source-drive", "", "name of the source drive")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text)")
	f.String("metrics-addr", "", "serve /metrics and /progress on this address")
	f.String("output", "text", "report format (text, json, markdown)")

	_ = v.BindPFlag("generation", f.Lookup("generation"))
	_ = v.BindPFlag("source_drive", f.Lookup("source-drive"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads defaults, then the config file, then the environment, then any
// bound flags, and returns the merged Config. Without configFile the file is
// optional and searched for in ., ~/.arc-backup and /etc/arc-backup.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-backup")
		v.AddConfigPath("/etc/arc-backup")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Generation == 0 {
		cfg.Generation = Defaults.Generation
	}
	return cfg, nil
}
