package main

import (
	"os"

	"github.com/BamaHodl/Fulcrum/cmd/fulcrum/commands"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.InitCmd,
		commands.StartCmd,
		commands.VersionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}
