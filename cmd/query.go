package cmd

import (
	"elmlink/internal/cmd/query"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read every PID of one mode",
	Long: `Connect to the adapter and read every catalog command of a mode.

Modes: global (01), since-reset (02), can-bus (06), general (09).
Commands the vehicle does not answer are listed without a value.`,
	Args: cobra.NoArgs,
	RunE: query.Run,
}

func init() {
	queryCmd.Flags().StringP("mode", "m", "global", "Mode name or service id")
	queryCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
}
