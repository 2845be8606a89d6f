package obd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"elmlink/internal/models"
	"elmlink/pkg/log"

	"github.com/cornelk/hashmap"
	"go.uber.org/zap"
)

// IsCandidate is the name heuristic for adapters. It is not a verification; the
// adapter identity is only checked after connecting.
func IsCandidate(name string) bool {
	return strings.Contains(name, "OBD") || strings.Contains(name, "ELM")
}

// Discovery is a single scan in progress. Devices yields each candidate once and is
// closed when the scan duration elapses or the context is cancelled.
type Discovery struct {
	devices chan models.DeviceDescriptor
	seen    *hashmap.Map[string, models.DeviceDescriptor]
	err     error

	mu     sync.Mutex
	closed bool
}

// Discover starts scanning for at most duration.
func Discover(ctx context.Context, scanner Scanner, duration time.Duration) *Discovery {
	ctx, cancel := context.WithTimeout(ctx, duration)

	d := &Discovery{
		devices: make(chan models.DeviceDescriptor, 16),
		seen:    hashmap.New[string, models.DeviceDescriptor](),
	}

	log.Info("Starting scan", zap.Duration("duration", duration))
	go func() {
		err := scanner.Scan(ctx, func(dev models.DeviceDescriptor) {
			d.found(ctx, dev)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error("scan failed", zap.Error(err))
			d.err = err
		}
		cancel()

		d.mu.Lock()
		d.closed = true
		close(d.devices)
		d.mu.Unlock()
		log.Info("Scan completed", zap.Int("candidates", d.seen.Len()))
	}()

	return d
}

func (d *Discovery) found(ctx context.Context, dev models.DeviceDescriptor) {
	if !IsCandidate(dev.Name) {
		log.Debug("ignoring device", zap.String("name", dev.Name), zap.String("address", dev.Address))
		return
	}
	if _, loaded := d.seen.GetOrInsert(dev.Address, dev); loaded {
		return
	}
	log.Info("Discovered adapter",
		zap.String("name", dev.Name),
		zap.String("address", dev.Address),
		zap.Int("rssi", dev.SignalStrength))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.devices <- dev:
	case <-ctx.Done():
	}
}

// Devices returns the candidate stream.
func (d *Discovery) Devices() <-chan models.DeviceDescriptor {
	return d.devices
}

// Err reports a scanner failure. It is only meaningful once Devices is closed.
func (d *Discovery) Err() error {
	return d.err
}

// Collect drains the discovery and returns every candidate in discovery order.
func (d *Discovery) Collect() ([]models.DeviceDescriptor, error) {
	var out []models.DeviceDescriptor
	for dev := range d.devices {
		out = append(out, dev)
	}
	return out, d.err
}
