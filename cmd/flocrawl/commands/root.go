// Package commands implements the flocrawl CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flonet/flocrawl/config"
	"github.com/flonet/flocrawl/libs/log"
)

var (
	conf   = config.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
)

// RootCommand constructs the root command. Configuration is resolved in the
// persistent pre-run so every subcommand sees the same merged view of flags,
// environment and config file.
func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flocrawl",
		Short: "Florincoin network crawler and chain monitor",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			conf, err = parseConfig(cmd)
			if err != nil {
				return err
			}

			logger, err = log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
			if err != nil {
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().String("home", defaultHome(), "directory for config and data")
	cmd.PersistentFlags().String("log-level", config.DefaultBaseConfig().LogLevel, "supervisor log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("log-format", config.DefaultBaseConfig().LogFormat, "log format (plain|json)")
	cmd.PersistentFlags().String("network", config.DefaultBaseConfig().Network, "network to scan (livenet|testnet)")

	return cmd
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flocrawl"
	}
	return filepath.Join(home, ".flocrawl")
}

// parseConfig merges, in increasing precedence: defaults, the config file
// under --home (if present), FLOCRAWL_* environment variables, and flags.
func parseConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("FLOCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	home := v.GetString("home")
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.SetRoot(home)

	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
