package serial

import (
	"context"
	"errors"
	"fmt"

	"elmlink/internal/models"
	"elmlink/pkg/log"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// listPorts enumerates serial ports. Tests replace it.
var listPorts = enumerator.GetDetailedPortsList

// Scanner reports the serial ports of the host as devices. USB adapters are
// reported under their product string so the name heuristic can match them.
type Scanner struct{}

// NewScanner returns a serial port Scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan lists the ports once and then waits for ctx to end.
func (s *Scanner) Scan(ctx context.Context, found func(models.DeviceDescriptor)) error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	for _, p := range ports {
		found(portDescriptor(p))
	}
	<-ctx.Done()
	return ctx.Err()
}

func portDescriptor(p *enumerator.PortDetails) models.DeviceDescriptor {
	name := p.Name
	if p.IsUSB && p.Product != "" {
		name = fmt.Sprintf("%s (%s)", p.Product, p.Name)
	}
	log.Debug("serial port", zap.String("port", p.Name), zap.Bool("usb", p.IsUSB), zap.String("vid", p.VID), zap.String("pid", p.PID))
	return models.DeviceDescriptor{Name: name, Address: p.Name}
}

// DefaultPort returns the first USB serial port.
func DefaultPort() (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return "", errors.New("no USB serial port found")
}
