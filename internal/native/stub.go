package native

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	glbMagic         = "glTF"
	glbVersion       = 2
	glbJSONChunkType = 0x4E4F534A
	glbHeaderSize    = 12
	glbChunkHeader   = 8
)

const stubDocument = `{"asset":{"version":"2.0","generator":"ifcglb-stub"},"scene":0,"scenes":[{"nodes":[]}],"nodes":[]}`

// Stub writes an empty but well-formed GLB scene without touching the
// geometry. It follows the converter's result codes: 1 when the input is
// missing, 4 when the output cannot be written.
type Stub struct{}

func (Stub) Invoke(inputPath, outputPath string, _ []byte) (int, error) {
	if _, err := os.Stat(inputPath); errors.Is(err, fs.ErrNotExist) {
		return 1, nil
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 4, nil
	}
	if err := os.WriteFile(outputPath, EncodeGLB([]byte(stubDocument)), 0o644); err != nil {
		return 4, nil
	}
	return 0, nil
}

// EncodeGLB wraps a glTF JSON document in a binary GLB container with a
// single JSON chunk, space padded to a 4-byte boundary.
func EncodeGLB(doc []byte) []byte {
	padded := append([]byte(nil), doc...)
	for len(padded)%4 != 0 {
		padded = append(padded, ' ')
	}
	total := glbHeaderSize + glbChunkHeader + len(padded)

	out := make([]byte, 0, total)
	out = append(out, glbMagic...)
	out = binary.LittleEndian.AppendUint32(out, glbVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(padded)))
	out = binary.LittleEndian.AppendUint32(out, glbJSONChunkType)
	return append(out, padded...)
}
