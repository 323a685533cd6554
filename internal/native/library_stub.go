//go:build !(cgo && ifcglb_native)

package native

import "fmt"

func newLibrary() (Invoker, error) {
	reason := "binary built without the ifcglb_native tag"
	return unavailable{reason: reason}, fmt.Errorf("%w: %s", ErrUnavailable, reason)
}
