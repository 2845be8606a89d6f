package cmd

import (
	"elmlink/internal/cmd/scan"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for ELM327 adapters",
	Long: `Scan for adapters for --scan-duration and list the candidates.

Only devices whose name looks like an OBD adapter are listed; the identity of
an adapter is checked when connecting.`,
	Args: cobra.NoArgs,
	RunE: scan.Run,
}

func init() {
	scanCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
}
