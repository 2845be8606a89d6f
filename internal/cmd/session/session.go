// Package session builds the diagnostic stack for the configured transport.
package session

import (
	"context"
	"errors"
	"fmt"

	"elmlink/internal/config"
	"elmlink/internal/models"
	"elmlink/internal/obd"
	"elmlink/internal/obd/ble"
	"elmlink/internal/obd/mock"
	"elmlink/internal/obd/serial"
	"elmlink/pkg/log"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrNoAdapter = errors.New("no adapter found")

type Session struct {
	Manager      *obd.Manager
	Orchestrator *obd.Orchestrator

	cfg     config.Config
	release func() error
}

// New wires a Manager and an Orchestrator for cfg.Transport. Nothing is opened yet.
func New(cfg config.Config) (*Session, error) {
	var (
		scanner obd.Scanner
		dial    obd.Dialer
		release = func() error { return nil }
	)
	switch cfg.Transport {
	case config.TransportBLE:
		scanner, dial, release = ble.NewScanner(), ble.Dial, ble.Release
	case config.TransportSerial:
		scanner, dial = serial.NewScanner(), serial.Dialer(cfg.Baud)
	case config.TransportMock:
		scanner = mock.NewScanner()
		dial = mock.Dial(mock.WithFaults("P0133"), mock.WithFaultRate(0.05))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	m := obd.NewManager(obd.ManagerConfig{
		Scanner:        scanner,
		Dial:           dial,
		ConnectTimeout: cfg.ConnectTimeout,
		VerifyTimeout:  cfg.VerifyTimeout,
		CommandTimeout: cfg.CommandTimeout,
	})
	o := obd.NewOrchestrator(m, obd.OrchestratorConfig{
		CommandTimeout: cfg.CommandTimeout,
		SettleDelay:    cfg.SettleDelay,
	})
	return &Session{Manager: m, Orchestrator: o, cfg: cfg, release: release}, nil
}

// Start loads the configuration from v and connects. The caller closes the session.
func Start(ctx context.Context, v *viper.Viper) (*Session, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Scan looks for adapters for the configured scan duration.
func (s *Session) Scan(ctx context.Context) ([]models.DeviceDescriptor, error) {
	return s.Manager.Scan(ctx, s.cfg.ScanDuration)
}

// Connect connects to the configured adapter. Without a configured address the
// first candidate found by a scan is used; a serial port defaults to the first USB port.
func (s *Session) Connect(ctx context.Context) error {
	address := s.cfg.Address
	if s.cfg.Transport == config.TransportSerial {
		address = s.cfg.Port
	} else if address == "" {
		devices, err := s.Scan(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return ErrNoAdapter
		}
		address = devices[0].Address
		log.Info("Using first adapter found", zap.String("name", devices[0].Name), zap.String("address", address))
	}
	return s.Manager.Connect(ctx, address)
}

// Close ends the session and releases the host radio.
func (s *Session) Close() {
	if err := s.Manager.Close(); err != nil {
		log.Warn("disconnect failed", zap.Error(err))
	}
	if err := s.release(); err != nil {
		log.Warn("failed to release device", zap.Error(err))
	}
}
