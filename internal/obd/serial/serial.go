package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"elmlink/internal/obd"
	"elmlink/pkg/log"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 100 * time.Millisecond

	maxOpenRetries  = 3
	maxWriteRetries = 3
)

// openPort opens the device. Tests replace it.
var openPort = func(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(cfg)
}

// Transport is an obd.Transport over a serial port (USB or Bluetooth SPP).
type Transport struct {
	portName    string
	baud        int
	readTimeout time.Duration
	retryDelay  time.Duration
	stabilize   time.Duration

	mu         sync.Mutex
	port       io.ReadWriteCloser
	onFragment func([]byte)
	closed     bool
	err        error
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Option configures a Transport.
type Option func(*Transport)

// WithReadTimeout sets how long a read waits for data before the loop checks for shutdown.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) { t.readTimeout = d }
}

// WithStabilizeDelay sets the pause after opening the port before it is used.
func WithStabilizeDelay(d time.Duration) Option {
	return func(t *Transport) { t.stabilize = d }
}

// WithRetryDelay sets the pause between open attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Transport) { t.retryDelay = d }
}

// New returns an unopened Transport.
func New(portName string, baud int, opts ...Option) *Transport {
	if baud <= 0 {
		baud = DefaultBaud
	}
	t := &Transport{
		portName:    portName,
		baud:        baud,
		readTimeout: DefaultReadTimeout,
		retryDelay:  2 * time.Second,
		stabilize:   time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dialer returns an obd.Dialer opening serial ports at baud. An empty address
// selects the first USB serial port.
func Dialer(baud int, opts ...Option) obd.Dialer {
	return func(address string) obd.Transport {
		if address == "" {
			if p, err := DefaultPort(); err == nil {
				address = p
			} else {
				log.Warn("no serial port detected", zap.Error(err))
			}
		}
		return New(address, baud, opts...)
	}
}

// Open opens the port, retrying a few times, and starts the read loop.
func (t *Transport) Open(ctx context.Context) error {
	if t.portName == "" {
		return errors.New("no serial port given")
	}

	log.Info("Opening serial port", zap.String("port", t.portName), zap.Int("baud", t.baud))
	cfg := &serial.Config{
		Name:        t.portName,
		Baud:        t.baud,
		ReadTimeout: t.readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}

	var (
		p   io.ReadWriteCloser
		err error
	)
	for i := 0; i < maxOpenRetries; i++ {
		p, err = openPort(cfg)
		if err == nil {
			break
		}
		log.Warn("Failed to open port, retrying...", zap.Error(err), zap.Int("attempt", i+1))
		if i < maxOpenRetries-1 {
			if err := sleep(ctx, t.retryDelay); err != nil {
				return err
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open port after %d attempts: %w", maxOpenRetries, err)
	}

	// Try to flush any pending data
	if flusher, ok := p.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			log.Warn("Failed to flush port", zap.Error(err))
		}
	}

	// the adapter needs a moment after the port opens
	if err := sleep(ctx, t.stabilize); err != nil {
		p.Close()
		return err
	}

	t.mu.Lock()
	t.port = p
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(p)

	log.Info("Serial port opened", zap.String("port", t.portName))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) readLoop(p io.Reader) {
	defer t.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			t.mu.Lock()
			fn := t.onFragment
			t.mu.Unlock()
			if fn != nil {
				fn(buf[:n])
			}
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		if err != nil && !errors.Is(err, io.EOF) {
			log.Debug("Read error", zap.Error(err))
			t.shutdown(err)
			return
		}
		if n == 0 {
			// read timeout or EOF: the port is idle
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Subscribe registers the fragment handler. It may be called before or after Open.
func (t *Transport) Subscribe(onFragment func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: port closed", obd.ErrTransport)
	}
	t.onFragment = onFragment
	return nil
}

// Write sends p, retrying short or failed writes.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	port, closed := t.port, t.closed
	t.mu.Unlock()
	if closed || port == nil {
		return fmt.Errorf("%w: port not open", obd.ErrTransport)
	}

	var writeErr error
	for i := 0; i < maxWriteRetries; i++ {
		n, err := port.Write(p)
		if err != nil {
			writeErr = err
			log.Warn("Write failed, retrying...", zap.ByteString("data", p), zap.Error(err), zap.Int("attempt", i+1))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n != len(p) {
			writeErr = fmt.Errorf("incomplete write: %d/%d bytes", n, len(p))
			p = p[n:]
			continue
		}
		return nil
	}
	return fmt.Errorf("error writing after %d attempts: %w", maxWriteRetries, writeErr)
}

// Close closes the port and waits for the read loop to stop.
func (t *Transport) Close() error {
	err := t.shutdown(nil)
	t.wg.Wait()
	return err
}

func (t *Transport) shutdown(reason error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.err = reason
		port := t.port
		t.mu.Unlock()

		if reason != nil {
			log.Warn("Serial link lost", zap.String("port", t.portName), zap.Error(reason))
		}
		if port != nil {
			err = port.Close()
		}
		close(t.done)
	})
	return err
}

func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
