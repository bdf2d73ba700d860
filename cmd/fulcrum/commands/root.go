package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/libs/log"
)

var (
	cfg    = config.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
)

func init() {
	RootCmd.PersistentFlags().StringP("home", "", defaultHome(), "directory for config and data")
	RootCmd.PersistentFlags().String("log-level", cfg.LogLevel, "log level")
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.DefaultFulcrumDir
	}
	return filepath.Join(home, config.DefaultFulcrumDir)
}

// ParseConfig retrieves the default environment configuration, sets up the
// root directory and ensures the root directory exists.
func ParseConfig() (*config.Config, error) {
	conf := config.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	config.EnsureRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for Fulcrum.
var RootCmd = &cobra.Command{
	Use:   "fulcrum",
	Short: "Fulcrum, a fast blockchain header index and server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		viper.SetEnvPrefix("FULCRUM")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()

		home := viper.GetString("home")
		viper.SetConfigName("config")
		viper.AddConfigPath(filepath.Join(home, "config"))
		if err := viper.ReadInConfig(); err != nil {
			// the config file is optional; flags and env still apply
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}

		cfg, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = log.NewDefaultLogger(cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = logger.With("module", "main")
		return nil
	},
}
