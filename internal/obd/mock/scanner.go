package mock

import (
	"context"

	"elmlink/internal/models"
)

// Devices are the advertisements the simulated scan reports. Only the first two
// look like adapters.
var Devices = []models.DeviceDescriptor{
	{Name: "OBDII-Sim", Address: "SIM:00:01", SignalStrength: -48},
	{Name: "ELM327-v1.5", Address: "SIM:00:02", SignalStrength: -63},
	{Name: "RandomSpeaker", Address: "SIM:00:03", SignalStrength: -71},
}

// Scanner reports Devices, each twice, then waits for ctx.
type Scanner struct{}

func NewScanner() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Scan(ctx context.Context, found func(models.DeviceDescriptor)) error {
	for i := 0; i < 2; i++ {
		for _, d := range Devices {
			found(d)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}
