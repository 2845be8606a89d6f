package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"elmlink/internal/models"
	"elmlink/internal/obd"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu    sync.Mutex
	frags []string
}

func (c *capture) push(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frags = append(c.frags, string(p))
}

func (c *capture) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.frags, "")
}

func TestAdapter_Wire(t *testing.T) {
	a := New(WithClock(clock.NewMock()))
	c := &capture{}
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, a.Subscribe(c.push))
	defer a.Close()

	require.NoError(t, a.Write([]byte("ATZ\r")))
	assert.Equal(t, "ATZ\r\r"+Identity+"\r\r>", c.text())
	for _, f := range c.frags {
		assert.LessOrEqual(t, len(f), fragmentSize)
	}

	c.frags = nil
	require.NoError(t, a.Write([]byte("ATE0\r")))
	assert.Equal(t, "ATE0\rOK\r\r>", c.text(), "echo stops after ATE0")

	c.frags = nil
	require.NoError(t, a.Write([]byte("010C\r")))
	assert.Equal(t, "41 0C 0C 80\r\r>", c.text())

	c.frags = nil
	require.NoError(t, a.Write([]byte("ATS0\r0105\r")))
	assert.Equal(t, "OK\r\r>"+"410573\r\r>", c.text())

	c.frags = nil
	require.NoError(t, a.Write([]byte("ATXYZ\r")))
	assert.Equal(t, "?\r\r>", c.text())
}

func TestAdapter_SearchingAfterAutoProtocol(t *testing.T) {
	a := New(WithClock(clock.NewMock()))
	c := &capture{}
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, a.Subscribe(c.push))

	require.NoError(t, a.Write([]byte("ATE0\rATSP0\r")))
	c.frags = nil
	require.NoError(t, a.Write([]byte("010D\r")))
	assert.Equal(t, "SEARCHING...\r41 0D 00\r\r>", c.text())

	c.frags = nil
	require.NoError(t, a.Write([]byte("010D\r")))
	assert.Equal(t, "41 0D 00\r\r>", c.text())
}

func TestAdapter_Unopened(t *testing.T) {
	a := New()
	assert.ErrorIs(t, a.Write([]byte("ATZ\r")), obd.ErrTransport)

	require.NoError(t, a.Close())
	assert.Error(t, a.Open(context.Background()))
	assert.ErrorIs(t, a.Subscribe(func([]byte) {}), obd.ErrTransport)
}

func TestMask(t *testing.T) {
	assert.Equal(t, []byte{0xC0, 0x00, 0x00, 0x00}, mask([]byte{0x01, 0x02, 0x21}, 0x00))
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x00}, mask([]byte{0x01, 0x02, 0x21}, 0x20))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, mask([]byte{0x20}, 0x00))
}

func TestAdapter_RandomWalk(t *testing.T) {
	mock := clock.NewMock()
	a := New(WithClock(mock), WithSeed(7), WithFaultRate(1))
	require.NoError(t, a.Open(context.Background()))
	defer a.Close()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.pending)+len(a.stored) >= 3
	}, 2*time.Second, time.Millisecond)

	rpm := a.RPM()
	assert.GreaterOrEqual(t, rpm, 600)
	assert.LessOrEqual(t, rpm, 4000)
}

// newSession runs the Manager on the wall clock; settle waits follow c.
func newSession(t *testing.T, dial obd.Dialer, c clock.Clock) (*obd.Manager, *obd.Orchestrator) {
	t.Helper()
	m := obd.NewManager(obd.ManagerConfig{
		Scanner:       NewScanner(),
		Dial:          dial,
		VerifyTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { m.Close() })
	return m, obd.NewOrchestrator(m, obd.OrchestratorConfig{Clock: c})
}

func TestSimulatedSession(t *testing.T) {
	mock := clock.NewMock()
	m, o := newSession(t, Dial(WithClock(mock), WithFaults("P0133", "P0301"), WithPendingFaults("P0420")), mock)
	ctx := context.Background()

	devices, err := m.Scan(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "OBDII-Sim", devices[0].Name)
	assert.Equal(t, "ELM327-v1.5", devices[1].Name)

	require.NoError(t, m.Connect(ctx, devices[1].Address))
	info := m.AdapterInfo()
	assert.Equal(t, Identity, info.Identity)
	assert.True(t, info.Auto)
	assert.InDelta(t, 12.6, info.Voltage, 1e-9)

	global, err := o.QueryMode(ctx, models.ModeGlobal)
	require.NoError(t, err)
	value := func(results map[string]models.DiagnosticResponse, name string) float64 {
		t.Helper()
		r := results[name]
		require.True(t, r.Available, "%s: %v", name, r.Err)
		return *r.Value
	}
	assert.InDelta(t, 800.0, value(global, "RPM"), 1e-9)
	assert.InDelta(t, 75.0, value(global, "COOLANT_TEMP"), 1e-9)
	assert.InDelta(t, 80.0, value(global, "OIL_TEMP"), 1e-9)
	assert.InDelta(t, 2.0, value(global, "STATUS"), 1e-9)
	assert.InDelta(t, 12.6, value(global, "CONTROL_MODULE_VOLTAGE"), 1e-9)
	assert.False(t, global["FUEL_RATE"].Available)
	assert.ErrorIs(t, global["FUEL_RATE"].Err, obd.ErrNoData)

	freeze, err := o.QueryMode(ctx, models.ModeSinceReset)
	require.NoError(t, err)
	assert.InDelta(t, 0x0133, value(freeze, "FREEZE_DTC"), 1e-9)
	assert.InDelta(t, 800.0, value(freeze, "DTC_RPM"), 1e-9)

	monitors, err := o.QueryMode(ctx, models.ModeCanBus)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, value(monitors, "MIDS_A"), 1e-9)
	assert.InDelta(t, 450.0, value(monitors, "MONITOR_O2_B1S1"), 1e-9)
	assert.False(t, monitors["MONITOR_EGR_B1"].Available)

	general, err := o.QueryMode(ctx, models.ModeGeneral)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, value(general, "VIN_MESSAGE_COUNT"), 1e-9)
	assert.False(t, general["ECU_NAME_MESSAGE_COUNT"].Available)

	codes, err := o.QueryFaultCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0133", "P0301"}, codes)
	pending, err := o.QueryPendingFaultCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0420"}, pending)

	done := make(chan []string, 1)
	go func() {
		codes, err := o.ClearAndReverify(ctx)
		assert.NoError(t, err)
		done <- codes
	}()
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case codes = <-done:
			break wait
		case <-deadline:
			t.Fatal("clear and reverify never completed")
		default:
			mock.Add(250 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
	assert.Empty(t, codes)

	freeze, err = o.QueryMode(ctx, models.ModeSinceReset)
	require.NoError(t, err)
	assert.False(t, freeze["FREEZE_DTC"].Available, "clearing drops the freeze frame")

	require.NoError(t, m.Disconnect())
	assert.Equal(t, obd.StateDisconnected, m.State().State)
}

func TestSimulatedSession_SilentAdapter(t *testing.T) {
	m, _ := newSession(t, Dial(Silent()), clock.New())
	err := m.Connect(context.Background(), "SIM:00:01")
	assert.ErrorIs(t, err, obd.ErrVerification)
	assert.ErrorIs(t, err, obd.ErrTimeout)
	assert.Equal(t, obd.StateFailed, m.State().State)
}

func TestSimulatedSession_LinkLoss(t *testing.T) {
	var adapter *Adapter
	dial := func(string) obd.Transport {
		adapter = New(WithClock(clock.NewMock()))
		return adapter
	}
	m, o := newSession(t, dial, clock.New())
	require.NoError(t, m.Connect(context.Background(), "SIM:00:01"))

	adapter.Drop(errors.New("unplugged"))
	require.Eventually(t, func() bool { return m.State().State == obd.StateFailed }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.State().Reason, obd.ErrTransport)

	_, err := o.QueryMode(context.Background(), models.ModeGlobal)
	assert.ErrorIs(t, err, obd.ErrNotConnected)
}
