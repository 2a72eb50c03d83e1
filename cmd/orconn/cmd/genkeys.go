package cmd

import (
	"fmt"

	"github.com/mmcloughlin/orconn"
	"github.com/spf13/cobra"
)

// genkeysCmd represents the genkeys command
var genkeysCmd = &cobra.Command{
	Use:   "genkeys",
	Short: "Generate an identity key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return genkeys()
	},
}

var genkeysData = new(RelayData)

func init() {
	Register(genkeysCmd.Flags(), genkeysData)
	rootCmd.AddCommand(genkeysCmd)
}

func genkeys() error {
	k, err := genkeysData.Data().LoadOrGenerateKeys()
	if err != nil {
		return err
	}

	fp, err := orconn.FingerprintFromKey(&k.Identity.PublicKey)
	if err != nil {
		return err
	}
	fmt.Println(fp.Hex())
	return nil
}
