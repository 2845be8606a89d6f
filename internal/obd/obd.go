package obd

import (
	"context"
	"time"

	"elmlink/internal/models"
)

// Transport abstracts the byte channel to an adapter.
//
// onFragment is called from the transport's own delivery context (notification
// handler or read loop) and must not block. After Close, Write fails with ErrTransport.
type Transport interface {
	Open(ctx context.Context) error
	Write(p []byte) error
	Subscribe(onFragment func([]byte)) error
	Close() error

	// Done is closed once the channel is lost or closed. Err tells why; it is nil after Close.
	Done() <-chan struct{}
	Err() error
}

// Dialer builds an unopened Transport for an adapter address.
type Dialer func(address string) Transport

// Scanner reports nearby devices until ctx ends. found may be called from any goroutine.
type Scanner interface {
	Scan(ctx context.Context, found func(models.DeviceDescriptor)) error
}

// Session is the command surface the Orchestrator needs from a connection.
type Session interface {
	Submit(ctx context.Context, command string, timeout time.Duration) (string, error)
	Connected() bool
}
