// Package debugdetect reports whether the current process is traced.
//
// The agent rewrites function prologues; software breakpoints placed in
// them by a debugger end up in the relocated copy, so a traced process is
// worth a warning.
package debugdetect

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TracerPid returns the pid of the process tracing the current one, 0 if
// it is not traced.
func TracerPid() (int, error) {
	return tracerPid()
}

// parseStatus extracts the TracerPid field of a /proc/<pid>/status file.
func parseStatus(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("malformed TracerPid field: %w", err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("TracerPid field not found")
}
