package obd

import (
	"fmt"
	"math/bits"
)

// DecodeFunc turns the data bytes of a positive reply into a physical value.
// It receives exactly CommandDefinition.Bytes bytes.
type DecodeFunc func(data []byte) (float64, error)

type decoder struct {
	// width is the minimum number of data bytes the rule reads.
	width int
	fn    DecodeFunc
}

// decoders is the fixed registry the catalog refers to by name.
var decoders = map[string]decoder{
	// A*100/255
	"percent": {1, func(d []byte) (float64, error) {
		return float64(d[0]) * 100 / 255, nil
	}},
	// A-40
	"temperature": {1, func(d []byte) (float64, error) {
		return float64(int(d[0]) - 40), nil
	}},
	// ((A*256)+B)/4
	"rpm": {2, func(d []byte) (float64, error) {
		return float64(word(d)) / 4, nil
	}},
	"speed": {1, func(d []byte) (float64, error) {
		return float64(d[0]), nil
	}},
	// A/2-64
	"timing_advance": {1, func(d []byte) (float64, error) {
		return float64(d[0])/2 - 64, nil
	}},
	// ((A*256)+B)/100
	"maf": {2, func(d []byte) (float64, error) {
		return float64(word(d)) / 100, nil
	}},
	// (A-128)*100/128
	"fuel_trim": {1, func(d []byte) (float64, error) {
		return (float64(d[0]) - 128) * 100 / 128, nil
	}},
	// 3*A
	"fuel_pressure": {1, func(d []byte) (float64, error) {
		return 3 * float64(d[0]), nil
	}},
	"pressure": {1, func(d []byte) (float64, error) {
		return float64(d[0]), nil
	}},
	"uint8": {1, func(d []byte) (float64, error) {
		return float64(d[0]), nil
	}},
	"uint16": {2, func(d []byte) (float64, error) {
		return float64(word(d)), nil
	}},
	// ((A*256)+B)/1000
	"module_voltage": {2, func(d []byte) (float64, error) {
		return float64(word(d)) / 1000, nil
	}},
	// ((A*256)+B)/20
	"fuel_rate": {2, func(d []byte) (float64, error) {
		return float64(word(d)) / 20, nil
	}},
	// number of supported PIDs announced by the bitmask
	"bitmask": {4, func(d []byte) (float64, error) {
		n := 0
		for _, b := range d {
			n += bits.OnesCount8(b)
		}
		return float64(n), nil
	}},
	// stored DTC count, bit 7 of A is the MIL lamp
	"monitor_status": {4, func(d []byte) (float64, error) {
		return float64(d[0] & 0x7F), nil
	}},
	// the 2-byte DTC that triggered the freeze frame, as a number
	"dtc_number": {2, func(d []byte) (float64, error) {
		return float64(word(d)), nil
	}},
	// mode 06 record: TID, unit/scaling id, value(2), min(2), max(2)
	"monitor_test_value": {8, func(d []byte) (float64, error) {
		if d[0] == 0 {
			return 0, fmt.Errorf("%w: empty monitor record", ErrProtocol)
		}
		return float64(uint16(d[2])<<8 | uint16(d[3])), nil
	}},
}

func word(d []byte) uint16 {
	return uint16(d[0])<<8 | uint16(d[1])
}

// LookupDecoder returns a decode rule by its catalog name and the minimum payload it needs.
func LookupDecoder(name string) (DecodeFunc, int, bool) {
	d, ok := decoders[name]
	return d.fn, d.width, ok
}
