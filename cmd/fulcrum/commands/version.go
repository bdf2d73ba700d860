package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BamaHodl/Fulcrum/version"
)

// VersionCmd prints the semantic version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}
