package cmd

import (
	"fmt"

	"github.com/mmcloughlin/orconn/meta"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build revision and platform",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("revision:", meta.Revision())
		fmt.Println("platform:", meta.Platform())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
