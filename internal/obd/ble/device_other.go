//go:build !linux && !darwin

package ble

import (
	"errors"
	"runtime"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, errors.New("BLE is not supported on " + runtime.GOOS)
}
