package root

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"elmlink/internal/cmd/dtc"
	"elmlink/internal/cmd/session"
	"elmlink/internal/config"
	"elmlink/internal/displayer"
	"elmlink/internal/models"
	"elmlink/internal/obd"
	"elmlink/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	s, err := session.New(cfg)
	if err != nil {
		log.Fatal("failed to set up session", zap.Error(err))
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NoTUI {
		if err := s.Connect(ctx); err != nil {
			log.Fatal("failed to connect", zap.Error(err))
		}
		printSummary(ctx, cmd.OutOrStdout(), s.Manager.AdapterInfo(), s.Orchestrator)
		return
	}

	d := displayer.New(s.Manager, s.Orchestrator, cfg.RefreshInterval)
	go func() {
		// the header shows the attempt and its outcome
		if err := s.Connect(ctx); err != nil {
			log.Error("failed to connect", zap.Error(err))
		}
	}()
	if err := d.Run(); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func printSummary(ctx context.Context, w io.Writer, info obd.AdapterInfo, o *obd.Orchestrator) {
	fmt.Fprintf(w, "Adapter: %s (%s, %.1fV)\n\n", info.Identity, info.ProtocolName, info.Voltage)

	results, err := o.QueryMode(ctx, models.ModeGlobal)
	if err != nil {
		log.Error("failed to query live data", zap.Error(err))
		return
	}
	for _, row := range displayer.LiveRows(obd.DefaultCatalog(), results) {
		if row[1] == "-" {
			continue
		}
		fmt.Fprintf(w, "%-40s %10s %s\n", row[0], row[1], row[2])
	}

	codes, err := o.QueryFaultCodes(ctx)
	if err != nil {
		log.Error("failed to get error codes", zap.Error(err))
		return
	}
	fmt.Fprintln(w, "\nCurrent DTC Error Codes:")
	dtc.PrintCodes(w, codes)
}
