package obd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"elmlink/internal/models"
	"elmlink/pkg/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateVerifying
	StateReady
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateVerifying:
		return "verifying"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionState is the Manager's current state. Reason is set only for StateFailed.
type ConnectionState struct {
	State  State
	Reason error
}

func (c ConnectionState) String() string {
	if c.State == StateFailed && c.Reason != nil {
		return fmt.Sprintf("failed: %v", c.Reason)
	}
	return c.State.String()
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultVerifyTimeout  = 5 * time.Second
	DefaultCommandTimeout = 2 * time.Second
)

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Scanner Scanner
	Dial    Dialer
	Clock   clock.Clock

	ConnectTimeout time.Duration
	VerifyTimeout  time.Duration
	CommandTimeout time.Duration
}

type transition struct {
	from, to ConnectionState
}

// Manager owns the connection lifecycle: discovery, connect, verify, ready and
// teardown. It owns the Transport and Dispatcher of the current session and is the
// only component that changes ConnectionState.
type Manager struct {
	cfg ManagerConfig

	mu         sync.Mutex
	state      ConnectionState
	session    uint64
	transport  Transport
	dispatcher *Dispatcher
	info       AdapterInfo
	cancel     context.CancelFunc

	events   []transition
	emitting bool
	onStatus func(connected bool)
	onState  func(ConnectionState)
}

// NewManager returns a Manager in StateDisconnected.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Manager{cfg: cfg}
}

// OnStatus registers the connection-status callback. It runs once for every
// transition into or out of StateReady.
func (m *Manager) OnStatus(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// OnStateChange registers an observer for every state transition.
func (m *Manager) OnStateChange(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the session is Ready.
func (m *Manager) Connected() bool {
	return m.State().State == StateReady
}

// AdapterInfo returns what was learned about the adapter during verification.
func (m *Manager) AdapterInfo() AdapterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Scan looks for candidate adapters for duration. Scanning is only allowed while
// disconnected; a Failed session is reset first.
func (m *Manager) Scan(ctx context.Context, duration time.Duration) ([]models.DeviceDescriptor, error) {
	if m.cfg.Scanner == nil {
		return nil, errors.New("no scanner configured")
	}

	m.mu.Lock()
	if err := m.idle("scan"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancel = cancel
	m.setState(ConnectionState{State: StateScanning})
	m.mu.Unlock()
	m.emit()

	devices, err := Discover(ctx, m.cfg.Scanner, duration).Collect()

	m.mu.Lock()
	m.cancel = nil
	m.setState(ConnectionState{State: StateDisconnected})
	m.mu.Unlock()
	m.emit()

	return devices, err
}

// Connect opens a session with the adapter at address and verifies it. On success
// the state is Ready; on failure it is Failed and the reason is returned.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if m.cfg.Dial == nil {
		return errors.New("no dialer configured")
	}

	m.mu.Lock()
	if err := m.idle("connect"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.session++
	sess := m.session
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancel = cancel
	t := m.cfg.Dial(address)
	m.transport = t
	m.info = AdapterInfo{}
	m.setState(ConnectionState{State: StateConnecting})
	m.mu.Unlock()
	m.emit()

	log.Info("Connecting to adapter", zap.String("address", address))

	openCtx, openCancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := t.Open(openCtx)
	openCancel()
	if err != nil {
		return m.fail(sess, m.attemptError(ctx, transportError("open "+address, err)))
	}

	d := NewDispatcher(t, WithClock(m.cfg.Clock))
	if err := t.Subscribe(d.Push); err != nil {
		d.Close(err)
		return m.fail(sess, transportError("subscribe", err))
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		d.Close(ErrClosed)
		return ErrClosed
	}
	m.dispatcher = d
	m.setState(ConnectionState{State: StateVerifying})
	m.mu.Unlock()
	m.emit()

	reply, err := d.Submit(ctx, CommandReset, m.cfg.VerifyTimeout)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrVerification, err)
		}
		return m.fail(sess, m.attemptError(ctx, err))
	}
	identity, err := verifyIdentity(reply)
	if err != nil {
		return m.fail(sess, err)
	}

	info := AdapterInfo{Identity: identity}
	if err := setupAdapter(ctx, d, m.cfg.CommandTimeout, &info); err != nil {
		return m.fail(sess, m.attemptError(ctx, err))
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancel = nil
	m.info = info
	m.setState(ConnectionState{State: StateReady})
	m.mu.Unlock()
	m.emit()

	go m.watch(sess, t)
	return nil
}

// Disconnect ends the current session. From Ready it passes through Disconnecting to
// Disconnected. A connection attempt or scan in progress is cancelled. From Failed it
// resets to Disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state.State {
	case StateDisconnected, StateDisconnecting:
		m.mu.Unlock()
		return nil
	case StateFailed:
		m.setState(ConnectionState{State: StateDisconnected})
		m.mu.Unlock()
		m.emit()
		return nil
	case StateScanning, StateConnecting, StateVerifying:
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
		return nil
	}

	m.session++
	d, t := m.dispatcher, m.transport
	m.dispatcher, m.transport = nil, nil
	m.setState(ConnectionState{State: StateDisconnecting})
	m.mu.Unlock()
	m.emit()

	log.Info("Disconnecting from adapter")
	d.Close(errors.New("disconnect requested"))
	err := t.Close()

	m.mu.Lock()
	m.setState(ConnectionState{State: StateDisconnected})
	m.mu.Unlock()
	m.emit()

	if err != nil {
		return transportError("close", err)
	}
	return nil
}

// Close tears the manager down, failing any outstanding command.
func (m *Manager) Close() error {
	return m.Disconnect()
}

// Submit sends a raw command over the Ready session. A transport failure ends the
// session; other errors concern this command only.
func (m *Manager) Submit(ctx context.Context, command string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	if m.state.State != StateReady {
		state := m.state
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotConnected, state)
	}
	d, sess := m.dispatcher, m.session
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	reply, err := d.Submit(ctx, command, timeout)
	if err != nil && errors.Is(err, ErrTransport) {
		m.fail(sess, err)
	}
	return reply, err
}

// idle checks that no session or scan is active. A Failed session is reset.
// Must be called with mu held.
func (m *Manager) idle(op string) error {
	switch m.state.State {
	case StateDisconnected:
		return nil
	case StateFailed:
		m.setState(ConnectionState{State: StateDisconnected})
		return nil
	case StateScanning:
		return fmt.Errorf("%w: cannot %s while scanning", ErrBusy, op)
	}
	return fmt.Errorf("%w: cannot %s while %s", ErrAlreadyConnected, op, m.state.State)
}

// attemptError reports a cancelled attempt as ErrClosed rather than as its symptom.
func (m *Manager) attemptError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: connection attempt cancelled", ErrClosed)
	}
	return err
}

// fail moves session sess to Failed and releases its resources. A stale session is ignored.
func (m *Manager) fail(sess uint64, reason error) error {
	m.mu.Lock()
	if m.session != sess || m.state.State == StateFailed {
		m.mu.Unlock()
		return reason
	}
	d, t := m.dispatcher, m.transport
	m.dispatcher, m.transport = nil, nil
	m.cancel = nil
	m.setState(ConnectionState{State: StateFailed, Reason: reason})
	m.mu.Unlock()
	m.emit()

	log.Error("Connection failed", zap.Error(reason))
	if d != nil {
		d.Close(reason)
	}
	if t != nil {
		if err := t.Close(); err != nil {
			log.Debug("closing failed transport", zap.Error(err))
		}
	}
	return reason
}

// watch fails the session when its transport goes away unexpectedly.
func (m *Manager) watch(sess uint64, t Transport) {
	<-t.Done()

	m.mu.Lock()
	stale := m.session != sess || m.state.State != StateReady
	m.mu.Unlock()
	if stale {
		return
	}

	err := t.Err()
	if err == nil {
		err = errors.New("link closed by peer")
	}
	m.fail(sess, transportError("link", err))
}

// setState records a transition. Must be called with mu held; callbacks run in emit.
func (m *Manager) setState(to ConnectionState) {
	from := m.state
	m.state = to
	m.events = append(m.events, transition{from: from, to: to})
	log.Debug("connection state", zap.Stringer("from", from), zap.Stringer("to", to))
}

// emit delivers queued transitions in order. Only one goroutine delivers at a time,
// so a callback may safely call back into the Manager.
func (m *Manager) emit() {
	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.events) > 0 {
		ev := m.events[0]
		m.events = m.events[1:]
		onState, onStatus := m.onState, m.onStatus
		m.mu.Unlock()

		if onState != nil {
			onState(ev.to)
		}
		wasReady, isReady := ev.from.State == StateReady, ev.to.State == StateReady
		if onStatus != nil && wasReady != isReady {
			onStatus(isReady)
		}

		m.mu.Lock()
	}
	m.emitting = false
	m.mu.Unlock()
}
