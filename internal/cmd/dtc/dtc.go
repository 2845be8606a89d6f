package dtc

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"elmlink/internal/cmd/session"
	"elmlink/internal/obd"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Run prints the stored trouble codes, or the pending ones with --pending.
func Run(cmd *cobra.Command, args []string) error {
	pending, _ := cmd.Flags().GetBool("pending")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Start(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer s.Close()

	var codes []string
	if pending {
		codes, err = s.Orchestrator.QueryPendingFaultCodes(ctx)
	} else {
		codes, err = s.Orchestrator.QueryFaultCodes(ctx)
	}
	if err != nil {
		return err
	}
	PrintCodes(cmd.OutOrStdout(), codes)
	return nil
}

// RunClear clears the trouble codes and reads them again after the settle delay.
func RunClear(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Start(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "Clearing trouble codes, reading back in %s...\n", s.Orchestrator.SettleDelay())
	codes, err := s.Orchestrator.ClearAndReverify(ctx)
	if err != nil {
		return err
	}
	if len(codes) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Codes still present after clear:")
	}
	PrintCodes(cmd.OutOrStdout(), codes)
	return nil
}

// PrintCodes lists codes with their descriptions.
func PrintCodes(w io.Writer, codes []string) {
	if len(codes) == 0 {
		fmt.Fprintln(w, "No error codes.")
		return
	}
	for _, e := range obd.Entries(codes) {
		fmt.Fprintf(w, "- %s: %s\n", e.Code, e.Description)
	}
}
