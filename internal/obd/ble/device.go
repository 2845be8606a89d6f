package ble

import (
	"fmt"
	"sync"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the host BLE device. Tests replace it.
var DeviceFactory = newDevice

var (
	deviceMu sync.Mutex
	device   ble.Device
)

// hostDevice returns the process-wide BLE device, creating it on first use. The HCI
// socket can only be opened once, so scanning and dialing share it.
func hostDevice() (ble.Device, error) {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if device != nil {
		return device, nil
	}
	d, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	device = d
	return d, nil
}

// Release stops the host device if one was created.
func Release() error {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Stop()
	device = nil
	return err
}
