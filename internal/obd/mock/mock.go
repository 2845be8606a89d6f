package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"elmlink/internal/obd"
	"elmlink/pkg/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	Identity = "ELM327 v1.5"

	fragmentSize = 20
)

// Adapter simulates an ELM327 adapter plugged into a running engine. It is an
// obd.Transport: commands written to it are answered through the fragment handler
// the way a BLE adapter answers, in short notifications ending with the prompt.
type Adapter struct {
	clock     clock.Clock
	rng       *rand.Rand
	interval  time.Duration
	faultRate float64
	silent    bool

	mu sync.Mutex
	// simulated values
	rpm      int
	coolant  float64
	speed    int
	throttle int
	fuel     float64
	stored   []obd.FaultCode
	pending  []obd.FaultCode
	freeze   *snapshot
	started  time.Time

	// adapter settings
	echo      bool
	spaces    bool
	searching bool
	buf       []byte

	onFragment func([]byte)
	opened     bool
	closed     bool
	err        error
	done       chan struct{}
	closeOnce  sync.Once
}

type snapshot struct {
	code     obd.FaultCode
	rpm      int
	coolant  float64
	speed    int
	throttle int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock driving the simulation.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithSeed makes the random walk reproducible.
func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rng = rand.New(rand.NewSource(seed)) }
}

// WithUpdateInterval sets how often the engine values move.
func WithUpdateInterval(d time.Duration) Option {
	return func(a *Adapter) { a.interval = d }
}

// WithFaults stores the given trouble codes, e.g. "P0133".
func WithFaults(codes ...string) Option {
	return func(a *Adapter) { a.stored = append(a.stored, mustParse(codes)...) }
}

// WithPendingFaults sets pending trouble codes.
func WithPendingFaults(codes ...string) Option {
	return func(a *Adapter) { a.pending = append(a.pending, mustParse(codes)...) }
}

// WithFaultRate is the chance per update that a random fault appears.
func WithFaultRate(p float64) Option {
	return func(a *Adapter) { a.faultRate = p }
}

// Silent makes the adapter accept commands and never answer.
func Silent() Option {
	return func(a *Adapter) { a.silent = true }
}

func mustParse(codes []string) []obd.FaultCode {
	out := make([]obd.FaultCode, 0, len(codes))
	for _, c := range codes {
		fc, err := obd.ParseFaultCode(c)
		if err != nil {
			panic(err)
		}
		out = append(out, fc)
	}
	return out
}

// New returns an unopened simulated adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		clock:    clock.New(),
		interval: time.Second,
		rpm:      800,
		coolant:  75.0,
		fuel:     62.5,
		echo:     true,
		spaces:   true,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(a.clock.Now().UnixNano()))
	}
	if len(a.stored) > 0 {
		a.freeze = a.snapshot(a.stored[0])
	}
	return a
}

// Dial returns an obd.Dialer handing out a fresh Adapter per connection.
func Dial(opts ...Option) obd.Dialer {
	return func(address string) obd.Transport {
		return New(opts...)
	}
}

func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("adapter closed")
	}
	if a.opened {
		return nil
	}
	a.opened = true
	a.started = a.clock.Now()
	go a.run()
	log.Info("Simulated adapter ready", zap.Bool("silent", a.silent))
	return nil
}

func (a *Adapter) run() {
	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.step()
		case <-a.done:
			return
		}
	}
}

// step moves the engine values by one random walk step.
func (a *Adapter) step() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rpm = clamp(a.rpm+a.rng.Intn(201)-100, 600, 4000)
	a.coolant = clampf(a.coolant+float64(a.rng.Intn(21)-10)*0.1, 60, 110)
	a.throttle = clamp(a.throttle+a.rng.Intn(11)-5, 0, 100)
	a.speed = clamp(a.speed+a.rng.Intn(11)-5, 0, 180)
	a.fuel = clampf(a.fuel-0.01, 0, 100)

	if a.faultRate > 0 && a.rng.Float64() < a.faultRate {
		fc := obd.DecodeFaultCode(byte(a.rng.Intn(0x40)), byte(a.rng.Intn(0x100)))
		a.pending = append(a.pending, fc)
		if a.freeze == nil {
			a.freeze = a.snapshot(fc)
		}
		log.Debug("Simulated fault", zap.Stringer("code", fc))
	}
	// a pending fault that persists is confirmed
	if len(a.pending) > 0 && a.rng.Float64() < 0.02 {
		a.stored = appendUnique(a.stored, a.pending[0])
		a.pending = a.pending[1:]
	}
}

func (a *Adapter) snapshot(fc obd.FaultCode) *snapshot {
	return &snapshot{code: fc, rpm: a.rpm, coolant: a.coolant, speed: a.speed, throttle: a.throttle}
}

func (a *Adapter) Subscribe(onFragment func([]byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("%w: adapter closed", obd.ErrTransport)
	}
	a.onFragment = onFragment
	return nil
}

// Write takes command bytes. Every carriage return completes a command, which is
// answered before Write returns.
func (a *Adapter) Write(p []byte) error {
	a.mu.Lock()
	if a.closed || !a.opened {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter not open", obd.ErrTransport)
	}
	a.buf = append(a.buf, p...)
	var commands []string
	for {
		i := strings.IndexByte(string(a.buf), '\r')
		if i < 0 {
			break
		}
		commands = append(commands, strings.TrimSpace(string(a.buf[:i])))
		a.buf = a.buf[i+1:]
	}
	if a.silent {
		a.mu.Unlock()
		return nil
	}
	var out []string
	for _, cmd := range commands {
		out = append(out, a.answer(cmd))
	}
	handler := a.onFragment
	a.mu.Unlock()

	if handler == nil {
		return nil
	}
	for _, reply := range out {
		for _, frag := range fragments(reply, fragmentSize) {
			handler([]byte(frag))
		}
	}
	return nil
}

func fragments(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

// answer builds the complete reply to cmd, prompt included. a.mu is held.
func (a *Adapter) answer(cmd string) string {
	var b strings.Builder
	if a.echo {
		b.WriteString(cmd)
		b.WriteString("\r")
	}
	normalized := strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
	var lines []string
	if strings.HasPrefix(normalized, "AT") {
		lines = a.at(normalized[2:])
	} else {
		if a.searching {
			lines = append(lines, "SEARCHING...")
			a.searching = false
		}
		lines = append(lines, a.request(normalized)...)
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r")
	}
	b.WriteString("\r>")
	return b.String()
}

func (a *Adapter) at(cmd string) []string {
	switch cmd {
	case "Z":
		a.echo, a.spaces = true, true
		return []string{"", Identity}
	case "I":
		return []string{Identity}
	case "E0", "E1":
		a.echo = cmd == "E1"
	case "S0", "S1":
		a.spaces = cmd == "S1"
	case "SP0":
		a.searching = true
	case "L0", "L1", "H0", "H1", "D", "AT1", "AT2":
	case "DPN":
		return []string{"A6"}
	case "DP":
		return []string{"AUTO, ISO 15765-4 (CAN 11/500)"}
	case "RV":
		return []string{fmt.Sprintf("%.1fV", 12.6)}
	default:
		return []string{"?"}
	}
	return []string{"OK"}
}

func (a *Adapter) request(cmd string) []string {
	if len(cmd) < 2 || len(cmd)%2 != 0 {
		return []string{"?"}
	}
	raw, err := strconv.ParseUint(cmd[:2], 16, 8)
	if err != nil {
		return []string{"?"}
	}
	service := byte(raw)
	var args []byte
	for i := 2; i < len(cmd); i += 2 {
		v, err := strconv.ParseUint(cmd[i:i+2], 16, 8)
		if err != nil {
			return []string{"?"}
		}
		args = append(args, byte(v))
	}

	switch service {
	case 0x01, 0x06, 0x09:
		if len(args) != 1 {
			return []string{"?"}
		}
		data, ok := a.pid(service, args[0])
		if !ok {
			return []string{"NO DATA"}
		}
		return []string{a.format(append([]byte{service + 0x40, args[0]}, data...))}
	case 0x02:
		if len(args) != 2 {
			return []string{"?"}
		}
		data, ok := a.freezeFrame(args[0])
		if !ok {
			return []string{"NO DATA"}
		}
		return []string{a.format(append([]byte{0x42, args[0], args[1]}, data...))}
	case 0x03:
		return []string{a.codes(0x43, a.stored)}
	case 0x07:
		return []string{a.codes(0x47, a.pending)}
	case 0x04:
		a.stored, a.pending, a.freeze = nil, nil, nil
		log.Info("Simulated adapter cleared trouble codes")
		return []string{"44"}
	}
	return []string{"NO DATA"}
}

func (a *Adapter) codes(id byte, codes []obd.FaultCode) string {
	msg := []byte{id, byte(len(codes))}
	for _, fc := range codes {
		hi, lo := fc.Bytes()
		msg = append(msg, hi, lo)
	}
	return a.format(msg)
}

func (a *Adapter) format(msg []byte) string {
	parts := make([]string, len(msg))
	for i, b := range msg {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	if a.spaces {
		return strings.Join(parts, " ")
	}
	return strings.Join(parts, "")
}

var supported = map[byte][]byte{
	0x01: {0x01, 0x04, 0x05, 0x0C, 0x0D, 0x0F, 0x11, 0x1F, 0x2F, 0x31, 0x42, 0x5C},
	0x06: {0x01, 0x02, 0x21},
	0x09: {0x01, 0x03, 0x05},
}

// mask is the supported-PID bitmap for PIDs base+1 to base+32.
func mask(pids []byte, base byte) []byte {
	out := make([]byte, 4)
	for _, p := range pids {
		if p <= base || int(p) > int(base)+32 {
			continue
		}
		n := p - base - 1
		out[n/8] |= 0x80 >> (n % 8)
	}
	return out
}

func (a *Adapter) pid(service, pid byte) ([]byte, bool) {
	if pid%0x20 == 0 {
		m := mask(supported[service], pid)
		if pid < 0xE0 && hasAbove(supported[service], pid+0x20) {
			m[3] |= 0x01
		}
		return m, pid == 0 || hasAbove(supported[service], pid)
	}
	if !contains(supported[service], pid) {
		return nil, false
	}

	switch service {
	case 0x06:
		// TID, unit id, value, min, max
		values := map[byte]uint16{0x01: 450, 0x02: 620, 0x21: 180}
		v := values[pid]
		return []byte{0x80 | pid, 0x0A, byte(v >> 8), byte(v), 0x00, 0x00, 0x03, 0xE8}, true
	case 0x09:
		return []byte{0x01}, true
	}

	switch pid {
	case 0x01:
		status := byte(len(a.stored))
		if status > 0 {
			status |= 0x80
		}
		return []byte{status, 0x07, 0xE5, 0x00}, true
	case 0x04:
		return []byte{byte(a.rpm * 255 / 4000 / 2)}, true
	case 0x05:
		return []byte{byte(int(a.coolant) + 40)}, true
	case 0x0C:
		v := a.rpm * 4
		return []byte{byte(v >> 8), byte(v)}, true
	case 0x0D:
		return []byte{byte(a.speed)}, true
	case 0x0F:
		return []byte{25 + 40}, true
	case 0x11:
		return []byte{byte(a.throttle * 255 / 100)}, true
	case 0x1F:
		v := uint16(a.clock.Since(a.started) / time.Second)
		return []byte{byte(v >> 8), byte(v)}, true
	case 0x2F:
		return []byte{byte(a.fuel * 255 / 100)}, true
	case 0x31:
		return []byte{0x00, 0x2A}, true
	case 0x42:
		return []byte{0x31, 0x38}, true
	case 0x5C:
		return []byte{byte(int(a.coolant) + 5 + 40)}, true
	}
	return nil, false
}

func (a *Adapter) freezeFrame(pid byte) ([]byte, bool) {
	if a.freeze == nil {
		return nil, false
	}
	f := a.freeze
	switch pid {
	case 0x02:
		hi, lo := f.code.Bytes()
		return []byte{hi, lo}, true
	case 0x04:
		return []byte{byte(f.rpm * 255 / 4000 / 2)}, true
	case 0x05:
		return []byte{byte(int(f.coolant) + 40)}, true
	case 0x0C:
		v := f.rpm * 4
		return []byte{byte(v >> 8), byte(v)}, true
	case 0x0D:
		return []byte{byte(f.speed)}, true
	case 0x11:
		return []byte{byte(f.throttle * 255 / 100)}, true
	}
	return nil, false
}

// Faults returns the stored trouble codes.
func (a *Adapter) Faults() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.stored))
	for i, fc := range a.stored {
		out[i] = fc.String()
	}
	return out
}

// RPM returns the simulated engine speed.
func (a *Adapter) RPM() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rpm
}

// Drop simulates losing the link, e.g. the adapter being unplugged.
func (a *Adapter) Drop(err error) {
	a.shutdown(err)
}

func (a *Adapter) Close() error {
	a.shutdown(nil)
	return nil
}

func (a *Adapter) shutdown(reason error) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.err = reason
		a.mu.Unlock()
		if reason != nil {
			log.Warn("Simulated link lost", zap.Error(reason))
		}
		close(a.done)
	})
}

func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func contains(list []byte, b byte) bool {
	for _, v := range list {
		if v == b {
			return true
		}
	}
	return false
}

func hasAbove(list []byte, base byte) bool {
	for _, v := range list {
		if v > base {
			return true
		}
	}
	return false
}

func appendUnique(list []obd.FaultCode, fc obd.FaultCode) []obd.FaultCode {
	for _, v := range list {
		if v == fc {
			return list
		}
	}
	return append(list, fc)
}
