package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/chain"
	"github.com/zkVerify/zkVerify-qa/internal/config"
	"github.com/zkVerify/zkVerify-qa/internal/ethereum"
	"github.com/zkVerify/zkVerify-qa/internal/proofs"
	"github.com/zkVerify/zkVerify-qa/internal/submitter"
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <proof-type> [proof]",
	Short: "Submit one proof and wait for its outcome",
	Long: `Submit one proof from the fixture folder and follow it to finalization and
attestation. A proof given as the second argument replaces the fixture's proof.

Examples:
  zkvqa submit groth16 --curve bls12381
  zkvqa submit risc0 --version V1_1 --skip-attestation
  zkvqa submit fflonk --invalid
  zkvqa submit ultraplonk --check-ethereum`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().Bool("invalid", false, "tamper with the public inputs and expect the chain to reject the proof")
	submitCmd.Flags().Bool("skip-attestation", false, "resolve at finalization without waiting for the attestation")
	submitCmd.Flags().Bool("check-ethereum", false, "poll the settlement contract for the attestation id")
	submitCmd.Flags().String("curve", "", "groth16 curve (bn128, bn254, bls12381)")
	submitCmd.Flags().String("version", "", "risc0 verifier version (V1_0, V1_1, V1_2)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	invalid, _ := cmd.Flags().GetBool("invalid")
	skipAttestation, _ := cmd.Flags().GetBool("skip-attestation")
	checkEthereum, _ := cmd.Flags().GetBool("check-ethereum")
	curve, _ := cmd.Flags().GetString("curve")
	version, _ := cmd.Flags().GetString("version")

	kind, err := proofs.ParseKind(args[0])
	if err != nil {
		return err
	}

	required := []string{config.EnvWebSocket, config.EnvPrivateKey}
	if checkEthereum {
		required = append(required, config.EnvAnvil, config.EnvContract)
	}
	ctx, h, err := setup(cmd, required...)
	if err != nil {
		return err
	}
	defer h.close()

	fixture, err := proofs.LoadFixture(h.cfg.Proofs.DataFolder, kind, curve)
	if err != nil {
		return err
	}
	if len(args) == 2 {
		fixture = fixture.WithProof(args[1])
	}

	signer, err := chain.NewAccount(h.cfg.Accounts.PrivateKey)
	if err != nil {
		return err
	}

	client, err := h.connect(ctx)
	if err != nil {
		return err
	}

	result, err := h.submitter(client).SubmitProof(ctx, submitter.ProofRequest{
		Kind:            kind,
		Input:           proofs.Input{Fixture: fixture, Curve: curve, Version: version, Invalid: invalid},
		Signer:          signer,
		SkipAttestation: skipAttestation,
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}

	if !checkEthereum {
		return nil
	}
	if result.AttestationID == nil {
		h.logger.Warn("No attestation id to look for on Ethereum", zap.String("result", string(result.Outcome)))
		return nil
	}

	contract, err := ethereum.Dial(ctx, h.cfg.Ethereum.RPCURL, h.cfg.Ethereum.Contract, h.logs.GetLogger("ethereum"))
	if err != nil {
		return err
	}
	defer contract.Close()

	found, err := contract.PollLatestAttestationID(ctx, *result.AttestationID, h.cfg.Timeouts.EthereumPollTimeout, h.cfg.Timeouts.EthereumPoll)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("attestation %d not published on %s within %s",
			*result.AttestationID, contract.Address().Hex(), h.cfg.Timeouts.EthereumPollTimeout)
	}
	fmt.Printf("Attestation %d published on %s\n", *result.AttestationID, contract.Address().Hex())
	return nil
}
