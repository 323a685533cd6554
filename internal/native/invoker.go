package native

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the converter cannot be reached at all.
var ErrUnavailable = errors.New("native converter unavailable")

// Invoker runs one conversion synchronously. It returns the converter's
// result code; a non-nil error means the converter could not be called.
// Implementations hold no state between calls.
type Invoker interface {
	Invoke(inputPath, outputPath string, options []byte) (int, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(inputPath, outputPath string, options []byte) (int, error)

func (f InvokerFunc) Invoke(inputPath, outputPath string, options []byte) (int, error) {
	return f(inputPath, outputPath, options)
}

// Modes accepted by New.
const (
	ModeLibrary = "library"
	ModeExec    = "exec"
	ModeStub    = "stub"
)

// New builds the invoker for mode. For ModeLibrary an error wrapping
// ErrUnavailable is returned together with a usable invoker that fails
// every call, so callers may choose to start anyway.
func New(mode, binary string) (Invoker, error) {
	switch strings.ToLower(mode) {
	case ModeLibrary, "":
		return newLibrary()
	case ModeExec:
		return NewExec(binary)
	case ModeStub:
		return Stub{}, nil
	}
	return nil, fmt.Errorf("unknown native mode %q", mode)
}

type unavailable struct {
	reason string
}

func (u unavailable) Invoke(string, string, []byte) (int, error) {
	return 0, fmt.Errorf("%w: %s", ErrUnavailable, u.reason)
}
