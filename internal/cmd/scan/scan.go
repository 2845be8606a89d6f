package scan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"elmlink/internal/cmd/session"
	"elmlink/internal/config"
	"elmlink/internal/models"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Device is one row of the JSON output.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi,omitempty"`
}

// Run lists the adapters found within the scan duration.
func Run(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", format)
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	s, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s...\n", cfg.ScanDuration)
	devices, err := s.Scan(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		out := make([]Device, 0, len(devices))
		for _, d := range devices {
			out = append(out, Device{Name: d.Name, Address: d.Address, RSSI: d.SignalStrength})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No adapters found.")
		return nil
	}
	return writeTable(cmd.OutOrStdout(), devices)
}

func writeTable(out io.Writer, devices []models.DeviceDescriptor) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		rssi := "-"
		if d.SignalStrength != 0 {
			rssi = fmt.Sprintf("%d", d.SignalStrength)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Address, rssi)
	}
	return w.Flush()
}
