package models

// DiagnosticResponse is the outcome of one catalog command.
// Value is nil whenever Available is false.
type DiagnosticResponse struct {
	Mode      Mode
	Command   string
	PID       string
	Value     *float64
	Unit      string
	Available bool

	// Raw keeps the adapter reply for diagnostics, including unrecognized text.
	Raw string
	Err error `json:"-"`
}
