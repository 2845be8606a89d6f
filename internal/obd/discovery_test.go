package obd

import (
	"context"
	"errors"
	"testing"
	"time"

	"elmlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCandidate(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"RandomSpeaker", false},
		{"ELM327-v1.5", true},
		{"Generic OBDII", true},
		{"obdii", false},
		{"Vgate iCar Pro OBD", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCandidate(tt.name))
		})
	}
}

func TestDiscover_FiltersAndDedupes(t *testing.T) {
	scanner := &fakeScanner{devices: []models.DeviceDescriptor{
		{Name: "RandomSpeaker", Address: "AA:00", SignalStrength: -40},
		{Name: "ELM327-v1.5", Address: "AA:01", SignalStrength: -60},
		{Name: "Generic OBDII", Address: "AA:02", SignalStrength: -70},
		{Name: "ELM327-v1.5", Address: "AA:01", SignalStrength: -58},
	}}

	devices, err := Discover(context.Background(), scanner, 50*time.Millisecond).Collect()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "AA:01", devices[0].Address)
	assert.Equal(t, -60, devices[0].SignalStrength, "first sighting wins")
	assert.Equal(t, "Generic OBDII", devices[1].Name)
}

func TestDiscover_EmptyIsNotAnError(t *testing.T) {
	devices, err := Discover(context.Background(), &fakeScanner{}, 20*time.Millisecond).Collect()
	assert.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDiscover_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := Discover(ctx, &fakeScanner{}, time.Hour)

	start := time.Now()
	cancel()
	for range d.Devices() {
	}
	assert.NoError(t, d.Err())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDiscover_ScannerFailure(t *testing.T) {
	boom := errors.New("adapter powered off")
	scanner := &fakeScanner{
		devices: []models.DeviceDescriptor{{Name: "OBDLink", Address: "AA:03"}},
		err:     boom,
	}
	devices, err := Discover(context.Background(), scanner, time.Second).Collect()
	assert.ErrorIs(t, err, boom)
	assert.Len(t, devices, 1)
}
