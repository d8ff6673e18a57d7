package commands

import (
	"github.com/spf13/cobra"

	"github.com/flonet/flocrawl/config"
)

// InitCommand writes a default config file under --home.
func InitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the home directory with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := config.EnsureRoot(conf)
			if err != nil {
				return err
			}
			if created {
				logger.Info("wrote config file", "path", conf.ConfigFilePath())
			} else {
				logger.Info("config file already exists", "path", conf.ConfigFilePath())
			}
			return nil
		},
	}
}
