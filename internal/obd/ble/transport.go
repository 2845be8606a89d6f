package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"elmlink/internal/obd"
	"elmlink/pkg/log"

	"github.com/go-ble/ble"
	"go.uber.org/zap"
)

// ELM327 BLE adapters expose a single serial-style service with one characteristic
// used for both writes and notifications.
var (
	ServiceUUID        = ble.MustParse("0000FFE0-0000-1000-8000-00805F9B34FB")
	CharacteristicUUID = ble.MustParse("0000FFE1-0000-1000-8000-00805F9B34FB")
)

const (
	chunkSize  = 20
	chunkDelay = 10 * time.Millisecond
)

// Transport is an obd.Transport over a BLE notify/write characteristic.
type Transport struct {
	address string
	device  func() (ble.Device, error)

	mu         sync.Mutex
	client     ble.Client
	char       *ble.Characteristic
	noResponse bool
	onFragment func([]byte)
	closed     bool
	err        error
	done       chan struct{}
	closeOnce  sync.Once

	writeMu sync.Mutex
}

// New returns an unopened Transport for the adapter at address.
func New(address string) *Transport {
	return &Transport{
		address: address,
		device:  hostDevice,
		done:    make(chan struct{}),
	}
}

// Dial is an obd.Dialer for BLE adapters.
func Dial(address string) obd.Transport {
	return New(address)
}

// Open connects and locates the adapter characteristic. A device without the
// adapter service fails with obd.ErrVerification.
func (t *Transport) Open(ctx context.Context) error {
	dev, err := t.device()
	if err != nil {
		return err
	}

	log.Info("Connecting to BLE device", zap.String("address", t.address))
	client, err := dev.Dial(ctx, ble.NewAddr(t.address))
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	char, err := findCharacteristic(profile)
	if err != nil {
		client.CancelConnection()
		return err
	}

	t.mu.Lock()
	t.client = client
	t.char = char
	t.noResponse = char.Property&ble.CharWriteNR != 0
	t.mu.Unlock()

	// Not every platform client reports disconnection.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			select {
			case <-dc.Disconnected():
				t.lost(errors.New("device disconnected"))
			case <-t.done:
			}
		}()
	} else {
		log.Debug("client does not report disconnection")
	}

	log.Info("BLE adapter connected", zap.String("address", t.address), zap.Bool("write_without_response", t.noResponse))
	return nil
}

func findCharacteristic(profile *ble.Profile) (*ble.Characteristic, error) {
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(CharacteristicUUID) {
				return c, nil
			}
		}
		return nil, fmt.Errorf("%w: characteristic %s not found", obd.ErrVerification, CharacteristicUUID)
	}
	return nil, fmt.Errorf("%w: service %s not found", obd.ErrVerification, ServiceUUID)
}

// Subscribe enables notifications on the adapter characteristic.
func (t *Transport) Subscribe(onFragment func([]byte)) error {
	t.mu.Lock()
	client, char := t.client, t.char
	if client == nil || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: not connected", obd.ErrTransport)
	}
	t.onFragment = onFragment
	t.mu.Unlock()

	if err := client.Subscribe(char, false, t.handleNotification); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (t *Transport) handleNotification(data []byte) {
	t.mu.Lock()
	fn := t.onFragment
	t.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Write sends p in chunks that fit the default ATT payload.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	client, char, noResponse, closed := t.client, t.char, t.noResponse, t.closed
	t.mu.Unlock()
	if closed || client == nil {
		return fmt.Errorf("%w: not connected", obd.ErrTransport)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	parts := chunks(p, chunkSize)
	for i, chunk := range parts {
		if err := client.WriteCharacteristic(char, chunk, noResponse); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		if i < len(parts)-1 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

func chunks(p []byte, size int) [][]byte {
	var out [][]byte
	for len(p) > size {
		out = append(out, p[:size])
		p = p[size:]
	}
	if len(p) > 0 {
		out = append(out, p)
	}
	return out
}

// Close drops the connection.
func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Transport) lost(err error) {
	log.Warn("BLE link lost", zap.String("address", t.address), zap.Error(err))
	t.shutdown(err)
}

func (t *Transport) shutdown(reason error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.err = reason
		client := t.client
		t.mu.Unlock()

		if client != nil {
			if err := client.CancelConnection(); err != nil {
				log.Debug("cancel connection", zap.Error(err))
			}
		}
		close(t.done)
	})
}

func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
