package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/BamaHodl/Fulcrum/config"
)

// InitCmd writes a commented default config file under the home directory.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the home directory with a default config file",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	configFilePath := cfg.ConfigFilePath()
	if _, err := os.Stat(configFilePath); err == nil {
		logger.Info("found config file, skipping", "path", configFilePath)
		return nil
	}

	if err := config.WriteConfigFile(cfg.RootDir, cfg); err != nil {
		return err
	}
	logger.Info("generated config file", "path", configFilePath)
	return nil
}
