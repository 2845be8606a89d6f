package obd

import (
	"testing"

	"elmlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.NotNil(t, c)
	assert.Positive(t, c.Version)

	for _, mode := range models.Modes() {
		defs := c.Commands(mode)
		if mode.IsControl() {
			assert.Empty(t, defs, mode.String())
			_, ok := c.Control(mode)
			assert.True(t, ok, "%s has a control command", mode)
			continue
		}
		assert.NotEmpty(t, defs, mode.String())
		for _, def := range defs {
			assert.Equal(t, mode, def.Mode)
			assert.NotNil(t, def.Decode, def.Name)
			assert.Positive(t, def.Bytes, def.Name)
		}
	}

	// order follows the asset
	global := c.Commands(models.ModeGlobal)
	assert.Equal(t, "PIDS_A", global[0].Name)
	assert.Equal(t, byte(0x0C), mustLookup(t, "RPM").PID)
	assert.Equal(t, "rpm", mustLookup(t, "RPM").Unit)
}

func TestCatalog_CommandsIsACopy(t *testing.T) {
	c := DefaultCatalog()
	defs := c.Commands(models.ModeGlobal)
	defs[0].Name = "CHANGED"
	assert.Equal(t, "PIDS_A", c.Commands(models.ModeGlobal)[0].Name)
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown decoder",
			doc:  "modes:\n  global:\n    - { pid: \"0C\", name: RPM, bytes: 2, decode: nope }\n",
			want: "unknown decode rule",
		},
		{
			name: "duplicate name",
			doc:  "modes:\n  global:\n    - { pid: \"0C\", name: RPM, bytes: 2, decode: rpm }\n    - { pid: \"0D\", name: RPM, bytes: 1, decode: speed }\n",
			want: "duplicate",
		},
		{
			name: "short payload",
			doc:  "modes:\n  global:\n    - { pid: \"0C\", name: RPM, bytes: 1, decode: rpm }\n",
			want: "needs 2 bytes",
		},
		{
			name: "bad pid",
			doc:  "modes:\n  global:\n    - { pid: \"XYZ\", name: RPM, bytes: 2, decode: rpm }\n",
			want: "invalid pid",
		},
		{
			name: "pids for a control mode",
			doc:  "modes:\n  fault_codes:\n    - { pid: \"00\", name: X, bytes: 1, decode: uint8 }\n",
			want: "control mode",
		},
		{
			name: "unknown mode",
			doc:  "modes:\n  freeze:\n    - { pid: \"00\", name: X, bytes: 1, decode: uint8 }\n",
			want: "unknown mode",
		},
		{
			name: "not yaml",
			doc:  "modes: [",
			want: "parse catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalog_AddingAPID(t *testing.T) {
	doc := `
version: 1
modes:
  global:
    - { pid: "0C", name: RPM, unit: rpm, bytes: 2, decode: rpm }
    - { pid: "5A", name: ACCEL_POS, unit: "%", bytes: 1, decode: percent }
`
	c, err := LoadCatalog([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	def, ok := c.Lookup("ACCEL_POS")
	require.True(t, ok)
	assert.Equal(t, "015A", def.Command())
	r := ParseResponse(def, "41 5A 80")
	require.True(t, r.Available)
	assert.InDelta(t, 50.2, r.Value, 0.01)
}

func TestDecoders(t *testing.T) {
	tests := []struct {
		rule string
		data []byte
		want float64
	}{
		{"percent", []byte{0x00}, 0},
		{"percent", []byte{0xFF}, 100},
		{"temperature", []byte{0x00}, -40},
		{"temperature", []byte{0x7B}, 83},
		{"rpm", []byte{0x1A, 0xF8}, 1726},
		{"speed", []byte{0x32}, 50},
		{"timing_advance", []byte{0x00}, -64},
		{"maf", []byte{0xFF, 0xFF}, 655.35},
		{"fuel_trim", []byte{0x00}, -100},
		{"fuel_pressure", []byte{0x0A}, 30},
		{"pressure", []byte{0x65}, 101},
		{"uint8", []byte{0x07}, 7},
		{"uint16", []byte{0x01, 0x00}, 256},
		{"module_voltage", []byte{0x36, 0xB0}, 14},
		{"fuel_rate", []byte{0x00, 0x64}, 5},
		{"bitmask", []byte{0xFF, 0x00, 0x01, 0x80}, 10},
		{"monitor_status", []byte{0x81, 0x00, 0x00, 0x00}, 1},
		{"dtc_number", []byte{0x01, 0x33}, 0x0133},
		{"monitor_test_value", []byte{0x80, 0x0A, 0x01, 0x00, 0, 0, 0, 0}, 256},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			fn, width, ok := LookupDecoder(tt.rule)
			require.True(t, ok)
			assert.LessOrEqual(t, width, len(tt.data))
			v, err := fn(tt.data)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}

	_, _, ok := LookupDecoder("missing")
	assert.False(t, ok)
}
