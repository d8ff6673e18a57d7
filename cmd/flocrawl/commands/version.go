package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flonet/flocrawl/version"
)

// VersionCommand prints the build version.
func VersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
