package models

// DTCEntry represents a diagnostic trouble code with description.
type DTCEntry struct {
	Code        string
	Description string
}
