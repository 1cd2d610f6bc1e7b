package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/libs/cli"
	"github.com/hybridchain/hybridchain/libs/log"
)

// EnvPrefix prefixes every environment variable the node reads.
const EnvPrefix = "HC"

// DefaultHome is the node home when neither --home nor HCHOME is set.
var DefaultHome = os.ExpandEnv(filepath.Join("$HOME", ".hybridchain"))

// ParseConfig fills conf from viper, sets up the root and validates the
// result.
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point. conf and logger
// are filled in before any subcommand runs.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hybridchain",
		Short: "Block producer node running DPoS, BFT or hybrid consensus",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			if err := cli.BindFlagsLoadViper(cmd, args); err != nil {
				return err
			}
			// config keys use underscores, flags use dashes
			for key, flag := range map[string]string{
				"log_level":  cli.LogLevelFlag,
				"log_format": cli.LogFormatFlag,
			} {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}

			if _, err := ParseConfig(conf); err != nil {
				return err
			}

			if err := config.EnsureRoot(conf.RootDir); err != nil {
				return err
			}
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
	}
	cmd.PersistentFlags().StringP(cli.HomeFlag, "", DefaultHome, "directory for config and data")
	cmd.PersistentFlags().Bool(cli.TraceFlag, false, "print out full stack trace on errors")
	cmd.PersistentFlags().String(cli.LogLevelFlag, conf.LogLevel, "log level")
	cmd.PersistentFlags().String(cli.LogFormatFlag, conf.LogFormat, "log format (plain or json)")
	cobra.OnInitialize(func() { cli.InitEnv(EnvPrefix) })
	return cmd
}
