package cmd

import (
	"github.com/spf13/cobra"
)

var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Run just the ledger API, without the reconciler",
	Run: func(cmd *cobra.Command, args []string) {
		initCommandFlags(cmd)
		serve(false)
	},
}
