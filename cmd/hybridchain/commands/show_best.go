package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/internal/consensus"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/types"
)

type bestInfo struct {
	Protocol     string           `json:"protocol"`
	Height       int64            `json:"height"`
	Hash         tmbytes.HexBytes `json:"hash"`
	Producer     string           `json:"producer"`
	Timestamp    int64            `json:"timestamp"`
	Confirmed    types.Checkpoint `json:"confirmed"`
	Irreversible types.Checkpoint `json:"irreversible"`
}

// MakeShowBestCommand returns the command that replays the stored chain and
// prints its best tip and irreversible point. The node must not be running.
func MakeShowBestCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "show-best",
		Short: "Show the best tip and the irreversible block",
		RunE: func(cmd *cobra.Command, args []string) error {
			genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
			if err != nil {
				return err
			}
			db, err := config.DefaultDBProvider(&config.DBContext{ID: "headers", Config: conf})
			if err != nil {
				return fmt.Errorf("opening header db: %w", err)
			}

			e, err := consensus.NewEngine(conf.Consensus, genDoc, db, logger.With("module", "consensus"))
			if err != nil {
				_ = db.Close()
				return err
			}
			defer e.Headers().Close()

			st := e.Best()
			bz, err := json.MarshalIndent(bestInfo{
				Protocol:     e.Policy().Name(),
				Height:       st.Number(),
				Hash:         st.Hash(),
				Producer:     st.Tip.Producer.String(),
				Timestamp:    st.Tip.Timestamp,
				Confirmed:    st.Confirmed,
				Irreversible: e.Irreversible(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bz))
			return nil
		},
	}
}
