package symbols

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// OpenSelf parses the executable of the current process.
func OpenSelf() (*Image, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, err
	}
	return OpenLoaded(exe)
}

// OpenLoaded parses the image at path, which must be mapped in the
// current process, and offsets its symbols by the load bias of the
// mapping. The mapping is found by file identity, so path may be any
// name of the file (a symlink, or a path through a symlinked directory).
func OpenLoaded(path string) (*Image, error) {
	bias, err := loadBias(path)
	if err != nil {
		return nil, err
	}
	return Open(path, bias)
}

// mapping is one line of /proc/self/maps.
type mapping struct {
	start, end uint64
	offset     uint64
	inode      uint64
	path       string
}

// loadBias returns the difference between the address at which path is
// mapped in the current process and the virtual address of its first
// PT_LOAD segment.
func loadBias(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, &ParseError{Path: path, Err: err}
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return 0, nil
	}
	var vaddr uint64
	found := false
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			align := prog.Align
			if align == 0 {
				align = uint64(os.Getpagesize())
			}
			vaddr = prog.Vaddr &^ (align - 1)
			found = true
			break
		}
	}
	if !found {
		return 0, &ParseError{Path: path, Err: fmt.Errorf("no PT_LOAD segment")}
	}

	m, err := findMapping(path)
	if err != nil {
		return 0, err
	}
	return m.start - vaddr, nil
}

// findMapping returns the mapping of the start of the file at path.
func findMapping(path string) (mapping, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return mapping{}, err
	}
	var ino uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		ino = st.Ino
	}
	maps, err := readMaps()
	if err != nil {
		return mapping{}, err
	}
	for _, m := range maps {
		if m.offset != 0 || m.path == "" {
			continue
		}
		if m.path == path {
			return m, nil
		}
		if m.inode != ino || !strings.HasPrefix(m.path, "/") {
			continue
		}
		if mfi, err := os.Stat(m.path); err == nil && os.SameFile(fi, mfi) {
			return m, nil
		}
	}
	return mapping{}, fmt.Errorf("%s is not mapped in the current process", path)
}

func readMaps() ([]mapping, error) {
	mapsbuf, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	var maps []mapping
	for i, line := range strings.Split(string(mapsbuf), "\n") {
		if line == "" {
			continue
		}
		m, err := parseMapsLine(i+1, line)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, nil
}

func parseMapsLine(lineno int, in string) (m mapping, err error) {
	fields := strings.Fields(in)
	if len(fields) < 5 {
		err = fmt.Errorf("malformed /proc/self/maps on line %d: %q (wrong number of fields)", lineno, in)
		return
	}
	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		err = fmt.Errorf("malformed /proc/self/maps on line %d: %q (bad first field)", lineno, in)
		return
	}
	for _, p := range []struct {
		s    string
		base int
		dst  *uint64
	}{
		{v[0], 16, &m.start},
		{v[1], 16, &m.end},
		{fields[2], 16, &m.offset},
		{fields[4], 10, &m.inode},
	} {
		*p.dst, err = strconv.ParseUint(p.s, p.base, 64)
		if err != nil {
			err = fmt.Errorf("malformed /proc/self/maps on line %d: %q (%v)", lineno, in, err)
			return
		}
	}
	if len(fields) >= 6 {
		m.path = strings.Join(fields[5:], " ")
	}
	return
}
