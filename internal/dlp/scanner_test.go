package dlp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ifc")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestScanFileFindsSignature(t *testing.T) {
	s := NewRuleScanner([]string{"EICAR"}, true)
	path := writeFile(t, []byte("ISO-10303-21; ... EICAR ..."))

	err := s.ScanFile(context.Background(), path)
	var violation *Violation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "av_signature", violation.Rule)
	assert.True(t, s.Enforced())
}

func TestScanFileAcrossChunkBoundary(t *testing.T) {
	s := NewRuleScanner([]string{"SIGNATURE"}, true)
	s.chunkSize = 16
	data := append(bytes.Repeat([]byte{'a'}, 20), []byte("SIGNATURE")...)
	path := writeFile(t, data)

	assert.Error(t, s.ScanFile(context.Background(), path))
}

func TestScanFileClean(t *testing.T) {
	s := NewRuleScanner([]string{"EICAR", " "}, false)
	s.chunkSize = 8
	path := writeFile(t, bytes.Repeat([]byte("IFCWALL;"), 100))

	assert.NoError(t, s.ScanFile(context.Background(), path))
	assert.False(t, s.Enforced())
}

func TestScanFileMissing(t *testing.T) {
	s := NewRuleScanner([]string{"EICAR"}, true)
	err := s.ScanFile(context.Background(), filepath.Join(t.TempDir(), "gone.ifc"))
	assert.Error(t, err)
	var violation *Violation
	assert.False(t, errors.As(err, &violation))
}

func TestNewRuleScannerFromEnv(t *testing.T) {
	t.Setenv("DLP_DISABLED", "")
	t.Setenv("DLP_MODE", "")
	t.Setenv("DLP_AV_PATTERNS", "")
	assert.Nil(t, NewRuleScannerFromEnv())

	t.Setenv("DLP_AV_PATTERNS", "EICAR, X5O!")
	t.Setenv("DLP_MODE", "monitor")
	s := NewRuleScannerFromEnv()
	require.NotNil(t, s)
	assert.False(t, s.Enforced())

	t.Setenv("DLP_DISABLED", "TRUE")
	assert.Nil(t, NewRuleScannerFromEnv())
}
