package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "xornetd",
	Short:   "Structured overlay routing node",
	Long:    `xornetd runs a node of the xornet structured overlay: XOR-metric routing with group replication, per-hop reliability and relay support for joining peers.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
