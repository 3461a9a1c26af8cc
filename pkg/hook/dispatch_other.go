//go:build !linux || !amd64 || !cgo

package hook

// dispatchAddr returns 0: trampolines can only call into Go through cgo
// on linux/amd64.
func dispatchAddr() uint64 {
	return 0
}
