package ble

import (
	"context"

	"elmlink/internal/models"

	"github.com/go-ble/ble"
)

// Scanner reports BLE advertisements as device descriptors.
type Scanner struct {
	device func() (ble.Device, error)
}

// NewScanner returns a Scanner on the host BLE device.
func NewScanner() *Scanner {
	return &Scanner{device: hostDevice}
}

// Scan blocks until ctx ends. Every advertisement is reported; filtering and
// de-duplication are left to discovery.
func (s *Scanner) Scan(ctx context.Context, found func(models.DeviceDescriptor)) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, true, func(adv ble.Advertisement) {
		found(descriptor(adv))
	})
}

func descriptor(adv ble.Advertisement) models.DeviceDescriptor {
	return models.DeviceDescriptor{
		Name:           adv.LocalName(),
		Address:        adv.Addr().String(),
		SignalStrength: adv.RSSI(),
	}
}
