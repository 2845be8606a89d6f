package query

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"elmlink/internal/cmd/session"
	"elmlink/internal/displayer"
	"elmlink/internal/models"
	"elmlink/internal/obd"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Reading is one row of the JSON output.
type Reading struct {
	Name      string   `json:"name"`
	PID       string   `json:"pid"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit,omitempty"`
	Available bool     `json:"available"`
	Raw       string   `json:"raw,omitempty"`
}

// Run queries every command of one mode, given by --mode.
func Run(cmd *cobra.Command, args []string) error {
	modeFlag, _ := cmd.Flags().GetString("mode")
	format, _ := cmd.Flags().GetString("format")
	mode, err := models.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	if mode.IsControl() {
		return fmt.Errorf("mode %s has no PID list, use the dtc command", mode)
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", format)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Start(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := s.Orchestrator.QueryMode(ctx, mode)
	if err != nil {
		return err
	}
	readings := Readings(obd.DefaultCatalog(), mode, results)

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(readings)
	}
	return writeTable(cmd.OutOrStdout(), readings)
}

// Readings orders results by the catalog.
func Readings(catalog *obd.Catalog, mode models.Mode, results map[string]models.DiagnosticResponse) []Reading {
	var out []Reading
	for _, def := range catalog.Commands(mode) {
		r, ok := results[def.Name]
		if !ok {
			continue
		}
		out = append(out, Reading{
			Name:      def.Name,
			PID:       r.PID,
			Value:     r.Value,
			Unit:      r.Unit,
			Available: r.Available,
			Raw:       r.Raw,
		})
	}
	return out
}

func writeTable(out io.Writer, readings []Reading) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tVALUE\tUNIT")
	for _, r := range readings {
		value := displayer.FormatValue(models.DiagnosticResponse{Value: r.Value, Available: r.Available})
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PID, r.Name, value, r.Unit)
	}
	return w.Flush()
}
