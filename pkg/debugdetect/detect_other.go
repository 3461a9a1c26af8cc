//go:build !linux

package debugdetect

import (
	"fmt"
	"runtime"
)

func tracerPid() (int, error) {
	return 0, fmt.Errorf("tracer detection not supported on %s", runtime.GOOS)
}
