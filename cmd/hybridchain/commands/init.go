package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/libs/log"
	tmos "github.com/hybridchain/hybridchain/libs/os"
	"github.com/hybridchain/hybridchain/types"
)

// MakeInitFilesCommand returns the command that writes config.toml, a
// producer key and a single-producer genesis under the node home. Files
// that already exist are left alone.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var chainID, protocol string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a single-producer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if protocol != "" {
				conf.Consensus.Protocol = protocol
				if err := conf.Consensus.ValidateBasic(); err != nil {
					return err
				}
			}
			return initFilesWithConfig(conf, chainID, logger)
		},
	}

	cmd.Flags().StringVar(&chainID, "chain-id", "", "chain id of a new genesis (derived from the producer key when empty)")
	cmd.Flags().StringVar(&protocol, "protocol", "", "consensus protocol to write to config.toml: dpos, bft or hybrid")
	return cmd
}

func initFilesWithConfig(conf *config.Config, chainID string, logger log.Logger) error {
	configFile := config.ConfigFile(conf.RootDir)
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
	} else {
		if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
			return err
		}
		logger.Info("Generated config file", "path", configFile)
	}

	keyFile := conf.ProducerKeyFile()
	key, err := types.LoadOrGenProducerKey(keyFile)
	if err != nil {
		return fmt.Errorf("loading producer key: %w", err)
	}
	logger.Info("Producer key", "path", keyFile, "address", key.Address)

	genFile := conf.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	if chainID == "" {
		chainID = fmt.Sprintf("hybridchain-%X", key.Address[:3])
	}
	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC().Truncate(time.Second),
		Validators: []types.GenesisValidator{{
			Address: key.Address,
			PubKey:  key.PubKey().Bytes(),
			Weight:  1,
			Name:    conf.Moniker,
		}},
		Authority: key.PubKey().Bytes(),
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "chain_id", chainID)
	return nil
}
