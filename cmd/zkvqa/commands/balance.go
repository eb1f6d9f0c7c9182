package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zkVerify/zkVerify-qa/internal/accounts"
	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/funding"
)

// balanceCmd represents the balance command
var balanceCmd = &cobra.Command{
	Use:   "balance [secret...]",
	Short: "Show account balances",
	Long: `Show the free balance of each account given as a mnemonic or hex seed, of every
account of a funded accounts file, or of PRIVATE_KEY when nothing is given.`,
	RunE: runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)

	balanceCmd.Flags().String("file", "", "funded accounts file")
}

func runBalance(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	required := []string{config.EnvWebSocket}
	if len(args) == 0 && file == "" {
		required = append(required, config.EnvPrivateKey)
	}
	ctx, h, err := setup(cmd, required...)
	if err != nil {
		return err
	}
	defer h.close()

	var list []*chain.Account
	switch {
	case file != "":
		list, err = accounts.ReadFunded(file)
		if err != nil {
			return err
		}
	case len(args) > 0:
		for _, secret := range args {
			acc, err := chain.NewAccount(secret)
			if err != nil {
				return err
			}
			list = append(list, acc)
		}
	default:
		acc, err := chain.NewAccount(h.cfg.Accounts.PrivateKey)
		if err != nil {
			return err
		}
		list = append(list, acc)
	}

	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	for _, acc := range list {
		info, err := client.Account(ctx, acc.PublicKey())
		if err != nil {
			return fmt.Errorf("%s: %w", acc.Address(), err)
		}
		fmt.Printf("Address  : %s\n", acc.Address())
		fmt.Printf("  Free     : %s\n", funding.FormatAmount(info.Free))
		fmt.Printf("  Reserved : %s\n", funding.FormatAmount(info.Reserved))
		fmt.Printf("  Frozen   : %s\n", funding.FormatAmount(info.Frozen))
		fmt.Printf("  Nonce    : %s\n", humanize.Comma(int64(info.Nonce)))
	}
	return nil
}
