package obd

import (
	"fmt"
	"strconv"
	"strings"

	"elmlink/internal/models"
)

// Category is the system a trouble code belongs to, taken from the top two bits of the first byte.
type Category byte

const (
	Powertrain Category = iota
	Chassis
	Body
	Network
)

const categoryLetters = "PCBU"

// Letter returns the code prefix: P, C, B or U.
func (c Category) Letter() byte {
	return categoryLetters[c&0x03]
}

func (c Category) String() string {
	switch c {
	case Powertrain:
		return "powertrain"
	case Chassis:
		return "chassis"
	case Body:
		return "body"
	case Network:
		return "network"
	}
	return fmt.Sprintf("category(%d)", byte(c))
}

// FaultCode is a diagnostic trouble code such as P0301.
type FaultCode struct {
	Category Category
	// Digits are the four hex characters after the letter; the first is 0-3.
	Digits string
}

// DecodeFaultCode turns the two raw bytes of a DTC into a FaultCode.
func DecodeFaultCode(a, b byte) FaultCode {
	return FaultCode{
		Category: Category(a >> 6),
		Digits:   fmt.Sprintf("%X%X%02X", (a>>4)&0x03, a&0x0F, b),
	}
}

// Bytes is the inverse of DecodeFaultCode.
func (f FaultCode) Bytes() (byte, byte) {
	v, _ := strconv.ParseUint(f.Digits, 16, 16)
	return byte(f.Category)<<6 | byte(v>>8)&0x3F, byte(v)
}

func (f FaultCode) String() string {
	return string(f.Category.Letter()) + f.Digits
}

// ParseFaultCode parses the canonical five-character form.
func ParseFaultCode(s string) (FaultCode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 5 {
		return FaultCode{}, fmt.Errorf("invalid trouble code %q", s)
	}
	cat := strings.IndexByte(categoryLetters, s[0])
	if cat < 0 {
		return FaultCode{}, fmt.Errorf("invalid trouble code %q: unknown category %q", s, s[0])
	}
	if s[1] < '0' || s[1] > '3' {
		return FaultCode{}, fmt.Errorf("invalid trouble code %q: first digit must be 0-3", s)
	}
	if _, err := strconv.ParseUint(s[1:], 16, 16); err != nil {
		return FaultCode{}, fmt.Errorf("invalid trouble code %q: %w", s, err)
	}
	return FaultCode{Category: Category(cat), Digits: s[1:]}, nil
}

// DecodeFaultCodes extracts trouble codes from a mode 03 or 07 reply. It understands the
// legacy layout (three pairs per line), CAN replies with a leading count byte and
// multi-frame ISO-TP replies. NO DATA means no codes. Padding pairs (00 00) are skipped.
func DecodeFaultCodes(raw string, mode models.Mode) ([]FaultCode, error) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	if text == "" || strings.Contains(text, replyNoData) {
		return nil, nil
	}

	var (
		messages [][]byte
		frames   []byte
		length   = -1
		multi    bool
	)
	for _, line := range splitLines(text) {
		if len(line) == 3 {
			if n, err := strconv.ParseUint(line, 16, 16); err == nil {
				length = int(n)
				continue
			}
		}
		data, ok := hexLine(line)
		if !ok {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 && i <= 2 {
			multi = true
			frames = append(frames, data...)
			continue
		}
		messages = append(messages, data)
	}
	if multi {
		if length >= 0 && length < len(frames) {
			frames = frames[:length]
		}
		messages = append(messages, frames)
	}

	var (
		codes   []FaultCode
		seen    = make(map[FaultCode]bool)
		matched bool
	)
	for _, msg := range messages {
		rest, ok := responsePayload(msg, []byte{mode.ResponseID()})
		if !ok {
			continue
		}
		matched = true
		if len(rest)%2 == 1 {
			count := int(rest[0])
			rest = rest[1:]
			if count*2 < len(rest) {
				rest = rest[:count*2]
			}
		}
		for i := 0; i+1 < len(rest); i += 2 {
			if rest[i] == 0 && rest[i+1] == 0 {
				continue
			}
			fc := DecodeFaultCode(rest[i], rest[i+1])
			if !seen[fc] {
				seen[fc] = true
				codes = append(codes, fc)
			}
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: %s reply %q", ErrProtocol, mode, strings.TrimSpace(raw))
	}
	return codes, nil
}

// DescribeFaultCode returns a description for common codes.
func DescribeFaultCode(code string) string {
	if desc, ok := dtcDescriptions[code]; ok {
		return desc
	}
	if strings.HasPrefix(code, "C1A") || strings.HasPrefix(code, "C2") {
		return "TPMS/Tire Pressure Related Code"
	}
	return "Unknown DTC"
}

// Entries pairs codes with their descriptions.
func Entries(codes []string) []models.DTCEntry {
	out := make([]models.DTCEntry, 0, len(codes))
	for _, c := range codes {
		out = append(out, models.DTCEntry{Code: c, Description: DescribeFaultCode(c)})
	}
	return out
}

var dtcDescriptions = map[string]string{
	// Powertrain
	"P0101": "Mass Air Flow Circuit Range/Performance",
	"P0102": "Mass Air Flow Circuit Low Input",
	"P0103": "Mass Air Flow Circuit High Input",
	"P0133": "O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0402": "Exhaust Gas Recirculation Flow Excessive",
	"P0420": "Catalyst System Efficiency Below Threshold",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0441": "Evaporative Emission Control System Incorrect Purge Flow",
	"P0442": "Evaporative Emission Control System Leak Detected (Small)",
	"P0443": "Evaporative Emission Control System Purge Control Valve Circuit",
	"P0455": "Evaporative Emission Control System Leak Detected (Large)",
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0506": "Idle Control System RPM Lower Than Expected",
	"P0507": "Idle Control System RPM Higher Than Expected",

	// Chassis
	"C1A00": "TPMS Control Module Malfunction",
	"C1A01": "TPMS Module Configuration Error",
	"C1A02": "TPMS RF Receiver Malfunction",
	"C1A11": "Tire Pressure Sensor LF Malfunction",
	"C1A12": "Tire Pressure Sensor RF Malfunction",
	"C1A13": "Tire Pressure Sensor RR Malfunction",
	"C1A14": "Tire Pressure Sensor LR Malfunction",
	"C1A15": "TPMS System Malfunction",
	"C2100": "Tire Pressure Too Low - Left Front",
	"C2101": "Tire Pressure Too Low - Right Front",
	"C2102": "Tire Pressure Too Low - Right Rear",
	"C2103": "Tire Pressure Too Low - Left Rear",

	// Body
	"B1000": "Body Control Module Malfunction",
	"B1342": "ECU Defective",
	"B1600": "Ignition Switch Malfunction",

	// Network
	"U0001": "High Speed CAN Communication Bus",
	"U0100": "Lost Communication With ECM/PCM",
	"U0101": "Lost Communication With TCM",
	"U0121": "Lost Communication With ABS Module",
	"U0140": "Lost Communication With Body Control Module",
	"U0155": "Lost Communication With Instrument Cluster",
}
