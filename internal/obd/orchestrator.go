package obd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"elmlink/internal/models"
	"elmlink/pkg/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// MinSettleDelay is the shortest wait between clearing fault codes and reading them
// back. The ECU needs this long to rebuild its fault memory.
const MinSettleDelay = 5 * time.Second

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Catalog        *Catalog
	Clock          clock.Clock
	CommandTimeout time.Duration
	// SettleDelay is raised to MinSettleDelay when smaller.
	SettleDelay time.Duration
}

// Orchestrator runs catalog queries over a Session one command at a time.
type Orchestrator struct {
	session Session
	catalog *Catalog
	clock   clock.Clock
	timeout time.Duration
	settle  time.Duration

	// mu serializes every query so the dispatcher never sees concurrent submissions.
	mu        sync.Mutex
	clearedAt time.Time
}

// NewOrchestrator returns an Orchestrator issuing commands through s.
func NewOrchestrator(s Session, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.SettleDelay < MinSettleDelay {
		cfg.SettleDelay = MinSettleDelay
	}
	return &Orchestrator{
		session: s,
		catalog: cfg.Catalog,
		clock:   cfg.Clock,
		timeout: cfg.CommandTimeout,
		settle:  cfg.SettleDelay,
	}
}

// SettleDelay returns the effective delay enforced after a clear.
func (o *Orchestrator) SettleDelay() time.Duration {
	return o.settle
}

// QueryMode issues every command of mode in catalog order and returns the results by
// command name. A failing command is reported as unavailable; the batch goes on unless
// the session itself is lost.
func (o *Orchestrator) QueryMode(ctx context.Context, mode models.Mode) (map[string]models.DiagnosticResponse, error) {
	if mode.IsControl() {
		return nil, fmt.Errorf("%w: %s", ErrControlMode, mode)
	}
	defs := o.catalog.Commands(mode)
	if len(defs) == 0 {
		return nil, fmt.Errorf("no commands for mode %s", mode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.session.Connected() {
		return nil, ErrNotConnected
	}

	results := make(map[string]models.DiagnosticResponse, len(defs))
	for i, def := range defs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		resp := o.query(ctx, def)
		results[def.Name] = resp
		if IsSessionFatal(resp.Err) {
			// the session is gone, the rest would fail the same way
			for _, rest := range defs[i+1:] {
				results[rest.Name] = unavailable(rest, resp.Err)
			}
			log.Warn("stopping batch", zap.Stringer("mode", mode), zap.Int("skipped", len(defs)-i-1), zap.Error(resp.Err))
			break
		}
	}
	return results, nil
}

// QueryCommand issues a single catalog command.
func (o *Orchestrator) QueryCommand(ctx context.Context, def CommandDefinition) (models.DiagnosticResponse, error) {
	if def.IsControl() {
		return models.DiagnosticResponse{}, fmt.Errorf("%w: %s", ErrControlMode, def.Mode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.session.Connected() {
		return models.DiagnosticResponse{}, ErrNotConnected
	}
	return o.query(ctx, def), nil
}

func unavailable(def CommandDefinition, err error) models.DiagnosticResponse {
	return models.DiagnosticResponse{
		Mode:    def.Mode,
		Command: def.Name,
		PID:     fmt.Sprintf("%02X", def.PID),
		Unit:    def.Unit,
		Err:     err,
	}
}

func (o *Orchestrator) query(ctx context.Context, def CommandDefinition) models.DiagnosticResponse {
	resp := unavailable(def, nil)

	raw, err := o.session.Submit(ctx, def.Command(), o.timeout)
	if err != nil {
		log.Warn("command failed", zap.Stringer("command", def), zap.Error(err))
		resp.Err = err
		return resp
	}

	r := ParseResponse(def, raw)
	resp.Raw = r.Raw
	resp.Err = r.Err
	if r.Available {
		v := r.Value
		resp.Value = &v
		resp.Available = true
	} else {
		log.Debug("reading unavailable", zap.Stringer("command", def), zap.String("raw", raw), zap.Error(r.Err))
	}
	return resp
}

// QueryFaultCodes reads the stored trouble codes. After a clear it first waits until
// the settle delay has passed.
func (o *Orchestrator) QueryFaultCodes(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faultCodes(ctx, models.ModeFaultCodes)
}

// QueryPendingFaultCodes reads the pending (mode 07) trouble codes.
func (o *Orchestrator) QueryPendingFaultCodes(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faultCodes(ctx, models.ModePendingFaultCodes)
}

func (o *Orchestrator) faultCodes(ctx context.Context, mode models.Mode) ([]string, error) {
	if !o.session.Connected() {
		return nil, ErrNotConnected
	}
	if err := o.settled(ctx); err != nil {
		return nil, err
	}

	def, ok := o.catalog.Control(mode)
	if !ok {
		return nil, fmt.Errorf("no control command for %s", mode)
	}
	raw, err := o.session.Submit(ctx, def.Command(), o.timeout)
	if err != nil {
		return nil, err
	}
	codes, err := DecodeFaultCodes(raw, mode)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	log.Info("Fault codes read", zap.Stringer("mode", mode), zap.Strings("codes", out))
	return out, nil
}

// settled blocks until the settle delay after the last clear has elapsed.
func (o *Orchestrator) settled(ctx context.Context) error {
	if o.clearedAt.IsZero() {
		return nil
	}
	wait := o.clearedAt.Add(o.settle).Sub(o.clock.Now())
	if wait <= 0 {
		return nil
	}

	log.Info("Waiting for fault memory to settle", zap.Duration("wait", wait))
	select {
	case <-o.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearFaultCodes sends the clear command. It succeeds only if the adapter acknowledges it.
func (o *Orchestrator) ClearFaultCodes(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clear(ctx)
}

func (o *Orchestrator) clear(ctx context.Context) error {
	if !o.session.Connected() {
		return ErrNotConnected
	}
	def, ok := o.catalog.Control(models.ModeClearFaults)
	if !ok {
		return fmt.Errorf("no control command for %s", models.ModeClearFaults)
	}

	raw, err := o.session.Submit(ctx, def.Command(), o.timeout)
	if err != nil {
		return fmt.Errorf("clear fault codes: %w", err)
	}
	reply := strings.ToUpper(raw)
	if !strings.Contains(reply, "44") && !strings.Contains(reply, "OK") {
		return fmt.Errorf("%w: clear not acknowledged: %q", ErrProtocol, raw)
	}

	o.clearedAt = o.clock.Now()
	log.Info("Fault codes cleared", zap.Time("at", o.clearedAt))
	return nil
}

// ClearAndReverify clears the fault codes, waits the settle delay and reads them back.
func (o *Orchestrator) ClearAndReverify(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.clear(ctx); err != nil {
		return nil, err
	}
	return o.faultCodes(ctx, models.ModeFaultCodes)
}
