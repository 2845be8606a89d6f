package cmd

import (
	"elmlink/internal/cmd/dtc"

	"github.com/spf13/cobra"
)

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read diagnostic trouble codes",
	Args:  cobra.NoArgs,
	RunE:  dtc.Run,
}

var dtcClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear trouble codes and read them back",
	Long: `Clear the stored trouble codes (mode 04), wait for --settle-delay and read
the stored codes again. Codes that come back are still active.`,
	Args: cobra.NoArgs,
	RunE: dtc.RunClear,
}

func init() {
	dtcCmd.Flags().Bool("pending", false, "Read pending codes (mode 07) instead of stored ones")
	dtcCmd.AddCommand(dtcClearCmd)
}
