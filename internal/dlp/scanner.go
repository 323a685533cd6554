package dlp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Violation describes a content policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("dlp violation (%s): %s", v.Rule, v.Detail)
}

// Scanner checks a staged upload before it is handed to the converter.
type Scanner interface {
	ScanFile(ctx context.Context, path string) error
	Enforced() bool
}

// RuleScanner looks for byte signatures anywhere in a file.
type RuleScanner struct {
	avSignatures      [][]byte
	enforceViolations bool
	chunkSize         int
}

const defaultChunkSize = 64 * 1024

// NewRuleScanner builds a scanner for the given signatures.
func NewRuleScanner(signatures []string, enforce bool) *RuleScanner {
	s := &RuleScanner{enforceViolations: enforce, chunkSize: defaultChunkSize}
	for _, sig := range signatures {
		if trimmed := strings.TrimSpace(sig); trimmed != "" {
			s.avSignatures = append(s.avSignatures, []byte(trimmed))
		}
	}
	return s
}

// NewRuleScannerFromEnv builds a scanner from DLP_AV_PATTERNS and DLP_MODE.
// It returns nil when DLP_DISABLED=true or no patterns are configured.
func NewRuleScannerFromEnv() Scanner {
	if strings.EqualFold(os.Getenv("DLP_DISABLED"), "true") {
		return nil
	}
	raw := os.Getenv("DLP_AV_PATTERNS")
	if raw == "" {
		return nil
	}
	s := NewRuleScanner(strings.Split(raw, ","), !strings.EqualFold(os.Getenv("DLP_MODE"), "monitor"))
	if len(s.avSignatures) == 0 {
		return nil
	}
	return s
}

func (s *RuleScanner) Enforced() bool {
	return s.enforceViolations
}

// ScanFile streams path in fixed-size chunks, carrying enough of each chunk
// forward that signatures spanning a boundary are still found.
func (s *RuleScanner) ScanFile(ctx context.Context, path string) error {
	if len(s.avSignatures) == 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	overlap := 0
	for _, sig := range s.avSignatures {
		if len(sig)-1 > overlap {
			overlap = len(sig) - 1
		}
	}
	buf := make([]byte, overlap+s.chunkSize)
	carried := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := f.Read(buf[carried:])
		window := buf[:carried+n]
		for _, sig := range s.avSignatures {
			if bytes.Contains(window, sig) {
				return &Violation{
					Rule:   "av_signature",
					Detail: "upload matched a blocked signature",
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read staged file: %w", rerr)
		}
		carried = min(overlap, len(window))
		copy(buf, window[len(window)-carried:])
	}
}
