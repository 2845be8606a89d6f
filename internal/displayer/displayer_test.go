package displayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"elmlink/internal/models"
	"elmlink/internal/obd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	onState func(obd.ConnectionState)
}

func (f *fakeConnection) OnStateChange(fn func(obd.ConnectionState)) { f.onState = fn }
func (f *fakeConnection) State() obd.ConnectionState {
	return obd.ConnectionState{State: obd.StateDisconnected}
}
func (f *fakeConnection) AdapterInfo() obd.AdapterInfo { return obd.AdapterInfo{} }

type fakeQueries struct{}

func (fakeQueries) QueryMode(context.Context, models.Mode) (map[string]models.DiagnosticResponse, error) {
	return nil, nil
}
func (fakeQueries) QueryFaultCodes(context.Context) ([]string, error)        { return nil, nil }
func (fakeQueries) QueryPendingFaultCodes(context.Context) ([]string, error) { return nil, nil }
func (fakeQueries) ClearAndReverify(context.Context) ([]string, error)       { return nil, nil }

func value(v float64) *float64 { return &v }

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "1726", FormatValue(models.DiagnosticResponse{Available: true, Value: value(1726)}))
	assert.Equal(t, "12.6", FormatValue(models.DiagnosticResponse{Available: true, Value: value(12.6)}))
	assert.Equal(t, "-", FormatValue(models.DiagnosticResponse{Available: false}))
}

func TestLiveRows(t *testing.T) {
	rows := LiveRows(obd.DefaultCatalog(), map[string]models.DiagnosticResponse{
		"SPEED": {Available: true, Value: value(50), Unit: "km/h"},
		"RPM":   {Available: true, Value: value(1726), Unit: "rpm"},
		"MAF":   {Available: false, Unit: "g/s"},
	})
	require.Len(t, rows, 3)
	// catalog order: MAF (10) follows RPM (0C) and SPEED (0D)
	assert.Equal(t, []string{"Engine speed", "1726", "rpm"}, rows[0])
	assert.Equal(t, []string{"Vehicle speed", "50", "km/h"}, rows[1])
	assert.Equal(t, []string{"Mass air flow rate", "-", "g/s"}, rows[2])
}

func TestFaultRows(t *testing.T) {
	rows := FaultRows([]string{"P0133"}, []string{"P0420"})
	require.Len(t, rows, 2)
	assert.Equal(t, "P0133", rows[0][0])
	assert.Equal(t, "stored", rows[0][2])
	assert.Equal(t, "pending", rows[1][2])
	assert.Empty(t, FaultRows(nil, nil))
}

func TestStatusLine(t *testing.T) {
	info := obd.AdapterInfo{Identity: "ELM327 v1.5", ProtocolName: "ISO 15765-4 (CAN 11/500)", Voltage: 12.6}
	assert.Equal(t, "Status: [green]connected[white] ELM327 v1.5 / ISO 15765-4 (CAN 11/500) / 12.6V",
		statusLine(obd.ConnectionState{State: obd.StateReady}, info, ""))
	assert.Contains(t, statusLine(obd.ConnectionState{State: obd.StateFailed, Reason: errors.New("boom")}, info, ""), "boom")
	assert.Equal(t, "Status: [red]disconnected[white]  note",
		statusLine(obd.ConnectionState{State: obd.StateDisconnected}, info, "note"))
	assert.Contains(t, statusLine(obd.ConnectionState{State: obd.StateVerifying}, info, ""), obd.StateVerifying.String())
}

func TestNew_TracksState(t *testing.T) {
	conn := &fakeConnection{}
	d := New(conn, fakeQueries{}, time.Second)
	require.NotNil(t, conn.onState)

	conn.onState(obd.ConnectionState{State: obd.StateReady})
	d.mu.Lock()
	assert.Equal(t, obd.StateReady, d.state.State)
	d.mu.Unlock()

	select {
	case <-d.changed:
	default:
		t.Fatal("state change did not request a redraw")
	}
}
