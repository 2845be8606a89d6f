package obd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"elmlink/pkg/log"

	"go.uber.org/zap"
)

const (
	CommandReset           = "ATZ"
	CommandEchoOff         = "ATE0"
	CommandLineFeedsOff    = "ATL0"
	CommandSpacesOn        = "ATS1"
	CommandHeadersOff      = "ATH0"
	CommandSetProtocolAuto = "ATSP0"
	CommandProtocolNum     = "ATDPN"
	CommandReadVoltage     = "ATRV"
)

// AdapterInfo describes the adapter found during verification.
type AdapterInfo struct {
	Identity     string
	Protocol     string
	ProtocolName string
	Voltage      float64
	// Auto is true when the protocol was picked by automatic search.
	Auto bool
}

type submitter interface {
	Submit(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// verifyIdentity checks the ATZ reply, e.g. "ELM327 v1.5".
func verifyIdentity(reply string) (string, error) {
	for _, line := range strings.Split(reply, "\n") {
		if strings.Contains(line, "ELM") {
			return strings.TrimSpace(line), nil
		}
	}
	return "", fmt.Errorf("%w: unexpected reset reply %q", ErrVerification, reply)
}

// setupAdapter configures a verified adapter and reads its protocol and supply voltage.
// Failures of individual settings are logged; only session-fatal errors are returned.
func setupAdapter(ctx context.Context, s submitter, timeout time.Duration, info *AdapterInfo) error {
	commands := []string{
		CommandEchoOff,
		CommandLineFeedsOff,
		CommandSpacesOn,
		CommandHeadersOff,
		CommandSetProtocolAuto,
	}
	for _, cmd := range commands {
		resp, err := s.Submit(ctx, cmd, timeout)
		if err != nil {
			if IsSessionFatal(err) || ctx.Err() != nil {
				return err
			}
			log.Warn("adapter setting failed", zap.String("command", cmd), zap.Error(err))
			continue
		}
		if !strings.Contains(resp, "OK") {
			log.Warn("adapter setting not acknowledged", zap.String("command", cmd), zap.String("response", resp))
		}
	}

	if resp, err := s.Submit(ctx, CommandProtocolNum, timeout); err == nil {
		info.Protocol, info.Auto = parseProtocol(resp)
		info.ProtocolName = protocolName(info.Protocol)
	} else if IsSessionFatal(err) {
		return err
	}

	if resp, err := s.Submit(ctx, CommandReadVoltage, timeout); err == nil {
		if v, err := parseVoltage(resp); err == nil {
			info.Voltage = v
		} else {
			log.Warn("unreadable voltage", zap.String("response", resp))
		}
	} else if IsSessionFatal(err) {
		return err
	}

	log.Info("Adapter ready",
		zap.String("identity", info.Identity),
		zap.String("protocol", info.ProtocolName),
		zap.Float64("voltage", info.Voltage))
	return nil
}

// parseProtocol reads an ATDPN reply; the adapter prefixes "A" when it searched automatically.
func parseProtocol(resp string) (string, bool) {
	resp = strings.ToUpper(strings.TrimSpace(resp))
	if len(resp) == 2 && resp[0] == 'A' {
		return resp[1:], true
	}
	return resp, false
}

func protocolName(num string) string {
	protocols := map[string]string{
		"0": "Auto",
		"1": "SAE J1850 PWM (41.6 kbaud)",
		"2": "SAE J1850 VPW (10.4 kbaud)",
		"3": "ISO 9141-2 (5 baud init)",
		"4": "ISO 14230-4 KWP (5 baud init)",
		"5": "ISO 14230-4 KWP (fast init)",
		"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
		"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
		"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
		"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
		"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	}

	if name, ok := protocols[num]; ok {
		return name
	}
	return "Unknown"
}

func parseVoltage(response string) (float64, error) {
	// Remove any trailing V and whitespace
	response = strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(response)), "V"))
	return strconv.ParseFloat(response, 64)
}
