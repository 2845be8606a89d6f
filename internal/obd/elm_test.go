package obd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIdentity(t *testing.T) {
	id, err := verifyIdentity("ELM327 v1.5")
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5", id)

	id, err = verifyIdentity("\nELM327 v2.1")
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v2.1", id)

	_, err = verifyIdentity("?")
	assert.ErrorIs(t, err, ErrVerification)
	_, err = verifyIdentity("")
	assert.ErrorIs(t, err, ErrVerification)
}

func TestParseProtocolAndVoltage(t *testing.T) {
	num, auto := parseProtocol("A6")
	assert.Equal(t, "6", num)
	assert.True(t, auto)
	assert.Equal(t, "ISO 15765-4 CAN (11 bit ID, 500 kbaud)", protocolName(num))

	num, auto = parseProtocol("3")
	assert.Equal(t, "3", num)
	assert.False(t, auto)
	assert.Equal(t, "Unknown", protocolName("Z"))

	v, err := parseVoltage("12.6V")
	require.NoError(t, err)
	assert.InDelta(t, 12.6, v, 1e-9)
	_, err = parseVoltage("?")
	assert.Error(t, err)
}

type scriptedSubmitter struct {
	sent    []string
	replies map[string]string
	errs    map[string]error
}

func (s *scriptedSubmitter) Submit(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.sent = append(s.sent, command)
	if err := s.errs[command]; err != nil {
		return "", err
	}
	return s.replies[command], nil
}

func TestSetupAdapter(t *testing.T) {
	s := &scriptedSubmitter{
		replies: map[string]string{
			CommandEchoOff: "OK", CommandLineFeedsOff: "OK", CommandSpacesOn: "OK",
			CommandHeadersOff: "OK", CommandSetProtocolAuto: "OK",
			CommandProtocolNum: "A7", CommandReadVoltage: "13.1V",
		},
		errs: map[string]error{CommandLineFeedsOff: ErrTimeout},
	}
	var info AdapterInfo
	require.NoError(t, setupAdapter(context.Background(), s, time.Second, &info))

	assert.Equal(t, []string{"ATE0", "ATL0", "ATS1", "ATH0", "ATSP0", "ATDPN", "ATRV"}, s.sent)
	assert.Equal(t, "7", info.Protocol)
	assert.True(t, info.Auto)
	assert.InDelta(t, 13.1, info.Voltage, 1e-9)
}

func TestSetupAdapter_SessionFatal(t *testing.T) {
	s := &scriptedSubmitter{errs: map[string]error{CommandEchoOff: errors.Join(ErrTransport, errors.New("gone"))}}
	var info AdapterInfo
	err := setupAdapter(context.Background(), s, time.Second, &info)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, []string{"ATE0"}, s.sent)
}
