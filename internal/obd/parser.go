package obd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	replyNoData    = "NO DATA"
	replySearching = "SEARCHING..."
)

// Reading is a parsed reply for one CommandDefinition.
type Reading struct {
	Value     float64
	Available bool
	// Raw is the reply text as received, kept for diagnostics.
	Raw string
	Err error
}

// ParseResponse decodes a dispatcher reply for def. A reply that is not a well-formed
// positive response yields an unavailable Reading, never a partial value.
func ParseResponse(def CommandDefinition, raw string) Reading {
	r := Reading{Raw: raw}

	text := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case text == "":
		r.Err = fmt.Errorf("%w: empty reply", ErrProtocol)
		return r
	case strings.Contains(text, replyNoData) || strings.Contains(text, "NODATA"):
		r.Err = ErrNoData
		return r
	}

	prefix := def.ResponsePrefix()
	for _, line := range splitLines(text) {
		data, ok := hexLine(line)
		if !ok {
			continue
		}
		payload, ok := responsePayload(data, prefix)
		if !ok {
			continue
		}
		if len(payload) < def.Bytes {
			r.Err = fmt.Errorf("%w: %s: want %d data bytes, got %d", ErrProtocol, def.Name, def.Bytes, len(payload))
			return r
		}
		v, err := def.Decode(payload[:def.Bytes])
		if err != nil {
			r.Err = err
			return r
		}
		r.Value = v
		r.Available = true
		return r
	}

	r.Err = fmt.Errorf("%w: %s: %q", ErrProtocol, def.Name, strings.TrimSpace(raw))
	return r
}

// responsePayload returns what follows prefix when a message starts with it. With
// headers on, a CAN single frame carries a PCI length byte ahead of the prefix.
func responsePayload(data, prefix []byte) ([]byte, bool) {
	if bytes.HasPrefix(data, prefix) {
		return data[len(prefix):], true
	}
	if len(data) > 1 && int(data[0]) == len(data)-1 && bytes.HasPrefix(data[1:], prefix) {
		return data[1+len(prefix):], true
	}
	return nil, false
}

// splitLines breaks a reply into non-empty lines, dropping the SEARCHING... notice.
func splitLines(text string) []string {
	var lines []string
	for _, l := range strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' }) {
		l = strings.TrimSpace(l)
		if l == "" || l == replySearching {
			continue
		}
		lines = append(lines, strings.TrimSpace(strings.TrimPrefix(l, replySearching)))
	}
	return lines
}

// hexLine decodes one line of hex, with or without spaces. A leading 11-bit CAN
// header (three digits) is skipped, as is an ISO-TP frame index like "0:".
func hexLine(line string) ([]byte, bool) {
	if i := strings.IndexByte(line, ':'); i >= 0 && i <= 2 {
		line = line[i+1:]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	if len(fields) > 1 && len(fields[0]) == 3 {
		fields = fields[1:]
	}
	joined := strings.Join(fields, "")
	if len(fields) > 1 {
		for _, f := range fields {
			if len(f) != 2 {
				return nil, false
			}
		}
	}
	if len(joined)%2 != 0 {
		return nil, false
	}
	data, err := hex.DecodeString(joined)
	if err != nil {
		return nil, false
	}
	return data, true
}
