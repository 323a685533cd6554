package native

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exec runs the converter as an external program:
//
//	<binary> <input> <output> <options-json>
//
// The exit status is the result code.
type Exec struct {
	Binary string
	Logger zerolog.Logger
}

// NewExec resolves binary on PATH.
func NewExec(binary string) (*Exec, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, fmt.Errorf("%w: no converter binary configured", ErrUnavailable)
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Exec{
		Binary: resolved,
		Logger: log.With().Str("component", "native_exec").Logger(),
	}, nil
}

func (e *Exec) Invoke(inputPath, outputPath string, options []byte) (int, error) {
	// no context: a started conversion always runs to completion
	cmd := exec.Command(e.Binary, inputPath, outputPath, string(options))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		e.Logger.Debug().Str("stderr", strings.TrimSpace(stderr.String())).Msg("converter output")
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("%w: run %s: %v", ErrUnavailable, e.Binary, err)
}
