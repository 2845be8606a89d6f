package obd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"elmlink/pkg/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// Prompt is the character the adapter prints when it is ready for the next command.
	Prompt = '>'
	// Terminator ends every command line.
	Terminator = "\r"

	defaultQueueSize = 64
)

type fragment struct {
	gen  uint64
	data []byte
}

type result struct {
	reply string
	err   error
}

// pendingRequest is the single outstanding command. Only the dispatch loop touches buf.
type pendingRequest struct {
	gen         uint64
	command     string
	submittedAt time.Time
	timeoutAt   time.Time
	buf         bytes.Buffer
	done        chan result
}

func (p *pendingRequest) resolve(reply string, err error) {
	p.done <- result{reply: reply, err: err}
}

// Dispatcher serializes commands over one Transport and attributes inbound
// fragments to the single outstanding command. The wire carries no request
// identifiers, so at most one command may be in flight.
type Dispatcher struct {
	transport Transport
	clock     clock.Clock
	inbound   chan fragment

	mu       sync.Mutex
	pending  *pendingRequest
	gen      uint64
	closed   bool
	closeErr error

	stop chan struct{}
	wg   sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the time source used for deadlines.
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithQueueSize bounds the inbound fragment queue.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.inbound = make(chan fragment, n)
		}
	}
}

// NewDispatcher starts a dispatcher writing to t. Fragments must be delivered with Push,
// usually by passing d.Push to t.Subscribe.
func NewDispatcher(t Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		clock:     clock.New(),
		inbound:   make(chan fragment, defaultQueueSize),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.loop()
	return d
}

// Push hands a fragment to the dispatch loop. It never blocks: when the queue is full
// the fragment is dropped and logged.
func (d *Dispatcher) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	data := make([]byte, len(p))
	copy(data, p)

	d.mu.Lock()
	var gen uint64
	if d.pending != nil {
		gen = d.pending.gen
	}
	d.mu.Unlock()

	select {
	case d.inbound <- fragment{gen: gen, data: data}:
	default:
		log.Warn("inbound queue full, dropping fragment", zap.ByteString("fragment", data))
	}
}

// Submit sends command and waits for the adapter's reply, up to timeout.
// It fails with ErrBusy if another command is outstanding.
func (d *Dispatcher) Submit(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", d.closedError()
	}
	if d.pending != nil {
		outstanding := d.pending.command
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %q is outstanding", ErrBusy, outstanding)
	}
	d.gen++
	now := d.clock.Now()
	p := &pendingRequest{
		gen:         d.gen,
		command:     command,
		submittedAt: now,
		timeoutAt:   now.Add(timeout),
		done:        make(chan result, 1),
	}
	d.pending = p
	d.mu.Unlock()

	// the deadline runs from submission, write time included
	timer := d.clock.Timer(timeout)
	defer timer.Stop()

	log.Debug("sending command", zap.String("command", command), zap.Uint64("request", p.gen))
	if err := d.transport.Write([]byte(command + Terminator)); err != nil {
		if d.release(p) {
			return "", transportError("write "+command, err)
		}
		r := <-p.done
		return r.reply, r.err
	}

	select {
	case r := <-p.done:
		if r.err == nil {
			log.Debug("reply received",
				zap.String("command", command),
				zap.String("reply", r.reply),
				zap.Duration("elapsed", d.clock.Since(p.submittedAt)))
		}
		return r.reply, r.err
	case <-timer.C:
		if d.release(p) {
			log.Warn("command timed out",
				zap.String("command", command),
				zap.Duration("timeout", timeout),
				zap.Time("deadline", p.timeoutAt))
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, command, timeout)
		}
	case <-ctx.Done():
		if d.release(p) {
			return "", ctx.Err()
		}
	}
	// resolved concurrently with the timeout or cancellation
	r := <-p.done
	return r.reply, r.err
}

// release clears the slot if p still owns it.
func (d *Dispatcher) release(p *pendingRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != p {
		return false
	}
	d.pending = nil
	return true
}

// Outstanding reports whether a command is waiting for its reply.
func (d *Dispatcher) Outstanding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Close fails the outstanding request with ErrClosed and stops the dispatch loop.
// It does not close the Transport.
func (d *Dispatcher) Close(reason error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = reason
	p := d.pending
	d.pending = nil
	d.mu.Unlock()

	close(d.stop)
	if p != nil {
		log.Debug("failing outstanding command", zap.String("command", p.command), zap.Error(reason))
		p.resolve("", d.closedError())
	}
	d.wg.Wait()
}

func (d *Dispatcher) closedError() error {
	if d.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, d.closeErr)
	}
	return ErrClosed
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case f := <-d.inbound:
			d.accept(f)
		}
	}
}

func (d *Dispatcher) accept(f fragment) {
	d.mu.Lock()
	p := d.pending
	if p == nil || p.gen != f.gen {
		d.mu.Unlock()
		log.Warn("discarding unsolicited fragment", zap.ByteString("fragment", f.data), zap.Uint64("request", f.gen))
		return
	}

	p.buf.Write(f.data)
	i := bytes.IndexByte(p.buf.Bytes(), Prompt)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	text := string(p.buf.Bytes()[:i])
	if rest := bytes.TrimSpace(p.buf.Bytes()[i+1:]); len(rest) > 0 {
		log.Debug("discarding bytes after prompt", zap.ByteString("fragment", rest))
	}
	d.pending = nil
	d.mu.Unlock()

	p.resolve(cleanReply(p.command, text), nil)
}

// cleanReply drops the echoed command and blank lines and joins the rest with "\n".
func cleanReply(command, text string) string {
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, len(lines))
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if i == 0 && isEcho(command, l) {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func isEcho(command, line string) bool {
	squash := func(s string) string { return strings.ToUpper(strings.ReplaceAll(s, " ", "")) }
	return squash(command) == squash(line)
}
