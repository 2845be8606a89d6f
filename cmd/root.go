package cmd

import (
	"fmt"
	"os"

	"elmlink/internal/cmd/root"
	"elmlink/internal/config"
	"elmlink/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "elmlink",
	Short: "ELM327 OBD-II diagnostics over BLE or serial",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// the full-screen UI owns the terminal
		tui := !cmd.HasParent() && !viper.GetBool(config.KeyNoTUI)
		initLogger(tui)
	},
	Run: root.Run,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (YAML)")
	flags.Bool(config.KeyDebug, false, "Enable debug mode")
	flags.Bool(config.KeyNoTUI, false, "Print a summary instead of running the TUI")
	flags.Bool(config.KeyMock, false, "Use the simulated adapter")
	flags.String(config.KeyTransport, config.TransportBLE, "Adapter transport: ble, serial or mock")
	flags.String(config.KeyAddress, "", "BLE adapter address (default: first adapter found)")
	flags.String(config.KeyPort, "", "Serial port (default: first USB serial port)")
	flags.Int(config.KeyBaud, 38400, "Baud rate for serial connection")
	flags.Duration(config.KeyScanDuration, config.Default().ScanDuration, "How long to scan for adapters")
	flags.Duration(config.KeyConnectTimeout, config.Default().ConnectTimeout, "Timeout for opening the adapter link")
	flags.Duration(config.KeyCommandTimeout, config.Default().CommandTimeout, "Timeout for one adapter command")
	flags.Duration(config.KeyVerifyTimeout, config.Default().VerifyTimeout, "Timeout for the adapter identity check")
	flags.Duration(config.KeySettleDelay, config.Default().SettleDelay, "Wait after clearing codes before reading them again (min 5s)")
	flags.Duration(config.KeyRefreshInterval, config.Default().RefreshInterval, "TUI refresh interval")
	flags.String(config.KeyLogDir, "", "Also write JSON logs to this directory")

	for _, key := range []string{
		config.KeyDebug, config.KeyNoTUI, config.KeyMock, config.KeyTransport,
		config.KeyAddress, config.KeyPort, config.KeyBaud, config.KeyScanDuration,
		config.KeyConnectTimeout, config.KeyCommandTimeout, config.KeyVerifyTimeout,
		config.KeySettleDelay, config.KeyRefreshInterval, config.KeyLogDir,
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}

	// Set default values
	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(scanCmd, queryCmd, dtcCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func initLogger(tui bool) {
	var opts []log.Option
	if dir := viper.GetString(config.KeyLogDir); dir != "" {
		opts = append(opts, log.WithDirectory(dir))
	}
	if tui {
		opts = append(opts, log.WithoutConsole())
	}
	if err := log.InitLogger(viper.GetBool(config.KeyDebug), opts...); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
	}
}

func Execute() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
