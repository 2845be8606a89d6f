// Package config resolves the runtime settings from flags, environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"elmlink/internal/obd"
	"elmlink/internal/obd/serial"
	"elmlink/pkg/log"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "ELMLINK"

// Transports
const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
	TransportMock   = "mock"
)

// Keys
const (
	KeyDebug           = "debug"
	KeyNoTUI           = "no-tui"
	KeyMock            = "mock"
	KeyTransport       = "transport"
	KeyAddress         = "address"
	KeyPort            = "port"
	KeyBaud            = "baud"
	KeyScanDuration    = "scan-duration"
	KeyConnectTimeout  = "connect-timeout"
	KeyCommandTimeout  = "command-timeout"
	KeyVerifyTimeout   = "verify-timeout"
	KeySettleDelay     = "settle-delay"
	KeyRefreshInterval = "refresh-interval"
	KeyLogDir          = "log-dir"
)

type Config struct {
	Debug bool
	NoTUI bool

	// Transport is one of ble, serial or mock.
	Transport string
	// Address of the BLE adapter. Empty means scan and take the first candidate.
	Address string
	// Port of the serial adapter. Empty means the first USB serial port.
	Port string
	Baud int

	ScanDuration    time.Duration
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	VerifyTimeout   time.Duration
	SettleDelay     time.Duration
	RefreshInterval time.Duration

	LogDir string
}

func Default() Config {
	return Config{
		Transport:       TransportBLE,
		Baud:            serial.DefaultBaud,
		ScanDuration:    5 * time.Second,
		ConnectTimeout:  obd.DefaultConnectTimeout,
		CommandTimeout:  obd.DefaultCommandTimeout,
		VerifyTimeout:   obd.DefaultVerifyTimeout,
		SettleDelay:     obd.MinSettleDelay,
		RefreshInterval: 2 * time.Second,
	}
}

// SetDefaults registers the defaults and environment lookup on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyDebug, d.Debug)
	v.SetDefault(KeyNoTUI, d.NoTUI)
	v.SetDefault(KeyMock, false)
	v.SetDefault(KeyTransport, d.Transport)
	v.SetDefault(KeyAddress, d.Address)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyBaud, d.Baud)
	v.SetDefault(KeyScanDuration, d.ScanDuration)
	v.SetDefault(KeyConnectTimeout, d.ConnectTimeout)
	v.SetDefault(KeyCommandTimeout, d.CommandTimeout)
	v.SetDefault(KeyVerifyTimeout, d.VerifyTimeout)
	v.SetDefault(KeySettleDelay, d.SettleDelay)
	v.SetDefault(KeyRefreshInterval, d.RefreshInterval)
	v.SetDefault(KeyLogDir, d.LogDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the settings from v and validates them. --mock overrides the transport.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Debug:           v.GetBool(KeyDebug),
		NoTUI:           v.GetBool(KeyNoTUI),
		Transport:       strings.ToLower(strings.TrimSpace(v.GetString(KeyTransport))),
		Address:         v.GetString(KeyAddress),
		Port:            v.GetString(KeyPort),
		Baud:            v.GetInt(KeyBaud),
		ScanDuration:    v.GetDuration(KeyScanDuration),
		ConnectTimeout:  v.GetDuration(KeyConnectTimeout),
		CommandTimeout:  v.GetDuration(KeyCommandTimeout),
		VerifyTimeout:   v.GetDuration(KeyVerifyTimeout),
		SettleDelay:     v.GetDuration(KeySettleDelay),
		RefreshInterval: v.GetDuration(KeyRefreshInterval),
		LogDir:          v.GetString(KeyLogDir),
	}
	if v.GetBool(KeyMock) {
		c.Transport = TransportMock
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks c. A settle delay below obd.MinSettleDelay is raised to it.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBLE, TransportSerial, TransportMock:
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", c.Transport, TransportBLE, TransportSerial, TransportMock)
	}
	if c.Transport == TransportSerial && c.Baud <= 0 {
		return errors.New("baud must be positive")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{KeyScanDuration, c.ScanDuration},
		{KeyConnectTimeout, c.ConnectTimeout},
		{KeyCommandTimeout, c.CommandTimeout},
		{KeyVerifyTimeout, c.VerifyTimeout},
		{KeySettleDelay, c.SettleDelay},
		{KeyRefreshInterval, c.RefreshInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}

	if c.SettleDelay < obd.MinSettleDelay {
		log.Warn("settle delay raised to the minimum",
			zap.Duration("configured", c.SettleDelay),
			zap.Duration("minimum", obd.MinSettleDelay))
		c.SettleDelay = obd.MinSettleDelay
	}
	return nil
}
