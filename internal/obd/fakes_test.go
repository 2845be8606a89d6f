package obd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"elmlink/internal/models"

	"github.com/benbjohnson/clock"
)

// fakeTransport answers each written command with the fragments returned by respond.
// A nil respond makes the adapter silent.
type fakeTransport struct {
	mu         sync.Mutex
	respond    func(cmd string) []string
	onFragment func([]byte)
	onWrite    func(cmd string)
	writes     []string
	openErr    error
	writeErr   error
	opened     bool
	closed     bool
	done       chan struct{}
	err        error
}

func newFakeTransport(respond func(cmd string) []string) *fakeTransport {
	return &fakeTransport{respond: respond, done: make(chan struct{})}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("write on closed transport")
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	f.writes = append(f.writes, cmd)
	respond, handler, hook := f.respond, f.onFragment, f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	if respond == nil || handler == nil {
		return nil
	}
	for _, frag := range respond(cmd) {
		handler([]byte(frag))
	}
	return nil
}

func (f *fakeTransport) Subscribe(fn func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFragment = fn
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// drop simulates the link going away.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.err = err
		close(f.done)
	}
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) setRespond(fn func(cmd string) []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// elmResponder behaves like an adapter with echo on, answering AT commands and the
// given OBD replies.
func elmResponder(replies map[string]string) func(cmd string) []string {
	return func(cmd string) []string {
		var body string
		switch {
		case cmd == CommandReset:
			body = "\rELM327 v1.5"
		case cmd == CommandProtocolNum:
			body = "A6"
		case cmd == CommandReadVoltage:
			body = "12.6V"
		case strings.HasPrefix(cmd, "AT"):
			body = "OK"
		default:
			var ok bool
			if body, ok = replies[cmd]; !ok {
				body = "NO DATA"
			}
		}
		// split the reply in two fragments like a notify channel would
		full := cmd + "\r" + body + "\r\r>"
		half := len(full) / 2
		return []string{full[:half], full[half:]}
	}
}

type fakeScanner struct {
	devices []models.DeviceDescriptor
	err     error
}

func (s *fakeScanner) Scan(ctx context.Context, found func(models.DeviceDescriptor)) error {
	for _, d := range s.devices {
		found(d)
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

type submission struct {
	command string
	at      time.Time
}

// fakeSession is a Session with canned replies, recording when each command was sent.
type fakeSession struct {
	mu        sync.Mutex
	clock     clock.Clock
	connected bool
	replies   map[string]string
	errs      map[string]error
	sent      []submission
}

func newFakeSession(c clock.Clock, replies map[string]string) *fakeSession {
	return &fakeSession{clock: c, connected: true, replies: replies, errs: map[string]error{}}
}

func (s *fakeSession) Submit(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, submission{command: command, at: s.clock.Now()})
	if err, ok := s.errs[command]; ok {
		return "", err
	}
	if reply, ok := s.replies[command]; ok {
		return reply, nil
	}
	return "NO DATA", nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) submissions(command string) []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []submission
	for _, sub := range s.sent {
		if sub.command == command {
			out = append(out, sub)
		}
	}
	return out
}
