// Package upload streams multipart file parts to disk under a byte budget.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrTooLarge reports that a stream exceeded the configured budget. Bytes
// read before the overflow are already on disk; removing them is the
// caller's job.
var ErrTooLarge = errors.New("upload exceeds size limit")

const bufferSize = 32 * 1024

// WriteLimited copies src into a new file at path, failing with ErrTooLarge
// as soon as more than maxBytes have been read. It returns the number of
// bytes written. The file handle is always closed before returning.
func WriteLimited(ctx context.Context, src io.Reader, path string, maxBytes int64) (written int64, err error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	buf := make([]byte, bufferSize)
	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if written+int64(n) > maxBytes {
				// keep what fits so the partial file reflects the budget
				if keep := maxBytes - written; keep > 0 {
					m, _ := out.Write(buf[:keep])
					written += int64(m)
				}
				return written, ErrTooLarge
			}
			m, werr := out.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("write %s: %w", path, werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upload: %w", rerr)
		}
	}
}
