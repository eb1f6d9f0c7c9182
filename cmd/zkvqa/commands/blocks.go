package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zkVerify/zkVerify-qa/internal/config"
)

// blocksCmd represents the blocks command
var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Show the node's best and finalized blocks",
	Args:  cobra.NoArgs,
	RunE:  runBlocks,
}

func init() {
	rootCmd.AddCommand(blocksCmd)
}

func runBlocks(cmd *cobra.Command, args []string) error {
	ctx, h, err := setup(cmd, config.EnvWebSocket)
	if err != nil {
		return err
	}
	defer h.close()

	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	blocks, err := client.LatestBlocks(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Peers     : %d (syncing: %t)\n", health.Peers, health.IsSyncing)
	fmt.Printf("Best      : #%d %s\n", blocks.Best.Number, blocks.Best.Hash)
	fmt.Printf("Finalized : #%d %s\n", blocks.Finalized.Number, blocks.Finalized.Hash)
	return nil
}
