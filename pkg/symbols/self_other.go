//go:build !linux

package symbols

import (
	"errors"
	"runtime"
)

// OpenSelf parses the executable of the current process.
func OpenSelf() (*Image, error) {
	return nil, errors.New("loading the symbols of the current process is not supported on " + runtime.GOOS)
}

// OpenLoaded parses the image at path as mapped in the current process.
func OpenLoaded(path string) (*Image, error) {
	return nil, errors.New("loading the symbols of a mapped image is not supported on " + runtime.GOOS)
}
