package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xornet-io/xornet/internal/identity"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := ident.Save(keygenOut); err != nil {
			return err
		}
		fmt.Printf("node id: %s\nwritten to %s\n", ident.NodeID.Hex(), keygenOut)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "data/identity.yaml", "identity file path")
	rootCmd.AddCommand(keygenCmd)
}
