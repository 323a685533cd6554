// Package native is the boundary to the external IFC to GLB converter.
//
// The converter is a blocking routine that takes an absolute input path, an
// absolute output path and a JSON options payload, and answers with an
// integer result code. Codes are folded into Status right after the call so
// raw integers never travel further into the service.
package native

import "fmt"

// Status is the closed set of outcomes a conversion can report.
type Status int

const (
	StatusOK Status = iota
	StatusInputNotFound
	StatusInvalidOptions
	StatusConversionFailed
	StatusUnknown
)

// Classify maps a converter result code to a Status.
func Classify(code int) Status {
	switch code {
	case 0:
		return StatusOK
	case 1:
		return StatusInputNotFound
	case 5:
		return StatusInvalidOptions
	case 2, 3, 4:
		return StatusConversionFailed
	default:
		return StatusUnknown
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInputNotFound:
		return "input_not_found"
	case StatusInvalidOptions:
		return "invalid_options"
	case StatusConversionFailed:
		return "conversion_failed"
	case StatusUnknown:
		return "unknown"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is what a finished conversion reports.
type Result struct {
	Code   int
	Status Status
}

// NewResult classifies code.
func NewResult(code int) Result {
	return Result{Code: code, Status: Classify(code)}
}
