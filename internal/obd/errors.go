package obd

import (
	"errors"
	"fmt"
)

// Errors reported by the diagnostic core. Callers match them with errors.Is;
// the concrete error usually wraps one of these with context.
var (
	// ErrTransport: the byte channel failed to open, write or read. Fatal to the session.
	ErrTransport = errors.New("transport error")
	// ErrVerification: the peer did not answer as an ELM327 adapter. Fatal to the attempt.
	ErrVerification = errors.New("adapter verification failed")
	// ErrTimeout: no prompt arrived before the deadline. The caller may retry.
	ErrTimeout = errors.New("command timed out")
	// ErrProtocol: the reply could not be interpreted.
	ErrProtocol = errors.New("unrecognized reply")
	// ErrNoData: the adapter answered NO DATA.
	ErrNoData = errors.New("no data")
	// ErrBusy: a command was submitted while another one is outstanding.
	ErrBusy = errors.New("dispatcher busy")
	// ErrNotConnected: the operation needs a Ready session.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed: the request was cancelled because the session is closing.
	ErrClosed = errors.New("session closed")
	// ErrAlreadyConnected: connect was called on a live session.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrControlMode: the mode has a single control command and no PID list.
	ErrControlMode = errors.New("control mode has no PID list")
)

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrVerification) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// IsSessionFatal reports whether err ends the current session rather than a single command.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected)
}
