package models

import (
	"fmt"
	"strings"
)

// Mode is an OBD-II service. The value is the service identifier sent on the wire.
type Mode byte

const (
	ModeGlobal            Mode = 0x01
	ModeSinceReset        Mode = 0x02
	ModeFaultCodes        Mode = 0x03
	ModeClearFaults       Mode = 0x04
	ModeCanBus            Mode = 0x06
	ModePendingFaultCodes Mode = 0x07
	ModeGeneral           Mode = 0x09
)

var modeNames = map[Mode]string{
	ModeGlobal:            "global",
	ModeSinceReset:        "since_reset",
	ModeFaultCodes:        "fault_codes",
	ModeClearFaults:       "clear_faults",
	ModeCanBus:            "can_bus",
	ModePendingFaultCodes: "pending_fault_codes",
	ModeGeneral:           "general",
}

// Modes lists every supported mode in service id order.
func Modes() []Mode {
	return []Mode{
		ModeGlobal,
		ModeSinceReset,
		ModeFaultCodes,
		ModeClearFaults,
		ModeCanBus,
		ModePendingFaultCodes,
		ModeGeneral,
	}
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode_%02X", byte(m))
}

// ServiceID returns the two-character hex service identifier, e.g. "01".
func (m Mode) ServiceID() string {
	return fmt.Sprintf("%02X", byte(m))
}

// ResponseID is the first byte of a positive reply for this mode.
func (m Mode) ResponseID() byte {
	return byte(m) + 0x40
}

// IsControl reports whether the mode is a single control command rather than a PID list.
func (m Mode) IsControl() bool {
	switch m {
	case ModeFaultCodes, ModeClearFaults, ModePendingFaultCodes:
		return true
	}
	return false
}

// ParseMode accepts a mode name ("global"), or its service id ("01", "1").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name || s == strings.ReplaceAll(name, "_", "-") {
			return m, nil
		}
	}
	var id byte
	if _, err := fmt.Sscanf(s, "%x", &id); err == nil {
		if _, ok := modeNames[Mode(id)]; ok {
			return Mode(id), nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}
