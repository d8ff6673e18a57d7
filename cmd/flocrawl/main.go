package main

import (
	"os"

	"github.com/flonet/flocrawl/cmd/flocrawl/commands"
)

func main() {
	root := commands.RootCommand()
	root.AddCommand(
		commands.InitCommand(),
		commands.ScanCommand(),
		commands.VersionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
