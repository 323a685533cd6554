//go:build cgo && ifcglb_native

package native

/*
#cgo LDFLAGS: -lifcglb
#include <stdlib.h>

int ifcglb_convert(const char *input_path, const char *output_path, const char *options_json);
*/
import "C"

import "unsafe"

type library struct{}

func newLibrary() (Invoker, error) {
	return library{}, nil
}

func (library) Invoke(inputPath, outputPath string, options []byte) (int, error) {
	in := C.CString(inputPath)
	defer C.free(unsafe.Pointer(in))
	out := C.CString(outputPath)
	defer C.free(unsafe.Pointer(out))
	opts := C.CString(string(options))
	defer C.free(unsafe.Pointer(opts))

	return int(C.ifcglb_convert(in, out, opts)), nil
}
