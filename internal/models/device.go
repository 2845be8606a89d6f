package models

// DeviceDescriptor identifies a candidate adapter found during discovery.
type DeviceDescriptor struct {
	Name           string
	Address        string
	SignalStrength int
}
