package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goDAGBFT/internal/config"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

var (
	keygenScheme string
	keygenSeed   string
	keygenStake  uint64
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a validator key",
	Long: `Generate a validator signing key and print the configuration snippet for it.
The [node] table belongs in the validator's own configuration; the
[[validators]] entry is shared with every other validator.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenScheme, "scheme", crypto.SchemeMLDSA65, "signature scheme")
	keygenCmd.Flags().StringVar(&keygenSeed, "seed", "", "hex seed to derive from instead of a random one")
	keygenCmd.Flags().Uint64Var(&keygenStake, "stake", 100, "stake of the validators entry")
}

type keygenSnippet struct {
	Node struct {
		Scheme string `toml:"scheme"`
		Seed   string `toml:"seed"`
	} `toml:"node"`
	Validators []config.ValidatorEntry `toml:"validators"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	scheme, err := crypto.LookupScheme(keygenScheme)
	if err != nil {
		return err
	}

	var seed []byte
	if keygenSeed != "" {
		seed, err = hex.DecodeString(keygenSeed)
		if err != nil {
			return fmt.Errorf("seed is not hex: %w", err)
		}
	} else {
		seed, err = crypto.GenerateSeed()
		if err != nil {
			return err
		}
	}
	signer, err := scheme.NewSigner(seed)
	if err != nil {
		return err
	}

	var snippet keygenSnippet
	snippet.Node.Scheme = scheme.Name()
	snippet.Node.Seed = hex.EncodeToString(seed)
	snippet.Validators = []config.ValidatorEntry{{
		PublicKey: hex.EncodeToString(signer.PublicKey()),
		Stake:     keygenStake,
	}}
	out, err := toml.Marshal(snippet)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# validator id %s\n", crypto.CalcValidatorID(signer.PublicKey()))
	_, err = w.Write(out)
	return err
}
