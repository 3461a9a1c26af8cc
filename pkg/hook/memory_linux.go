package hook

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocStep is the distance between successive mmap hints; allocSteps
// hints are tried on each side of the target.
const (
	allocStep  = 1 << 24
	allocSteps = 96
)

// SelfMemory is the CodeMemory of the current process.
type SelfMemory struct{}

var _ CodeMemory = SelfMemory{}

// ReadMemory never faults: a read that runs into memory that is unmapped
// or not readable returns the bytes before it and an error.
func (SelfMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr == 0 {
		return 0, fmt.Errorf("read at null address")
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := readSelf(buf, addr)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) {
		n, err = readMapped(buf, addr)
	}
	if err == nil && n < len(buf) {
		err = fmt.Errorf("read %d of %d bytes at %#x: %w", n, len(buf), addr, io.ErrUnexpectedEOF)
	}
	return n, err
}

// readSelf reads with process_vm_readv. Every page is a separate remote
// segment so that a read stops at the first page that can not be read.
func readSelf(buf []byte, addr uint64) (int, error) {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	ps := uint64(os.Getpagesize())
	var remote []unix.RemoteIovec
	for off := 0; off < len(buf); {
		n := int(ps - (addr+uint64(off))%ps)
		if n > len(buf)-off {
			n = len(buf) - off
		}
		remote = append(remote, unix.RemoteIovec{Base: uintptr(addr) + uintptr(off), Len: n})
		off += n
	}
	n, err := unix.ProcessVMReadv(os.Getpid(), local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv at %#x: %w", addr, err)
	}
	return n, nil
}

// readMapped copies from the readable mappings of /proc/self/maps that
// contiguously follow addr.
func readMapped(buf []byte, addr uint64) (int, error) {
	end, err := readableEnd(addr)
	if err != nil {
		return 0, err
	}
	n := len(buf)
	if end-addr < uint64(n) {
		n = int(end - addr)
	}
	return copy(buf[:n], unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)), nil
}

// readableEnd returns the end of the run of adjacent readable mappings
// containing addr.
func readableEnd(addr uint64) (uint64, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var end uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "r") {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(bounds[0], 16, 64)
		stop, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		switch {
		case end == 0 && addr >= start && addr < stop:
			end = stop
		case end != 0 && start == end:
			end = stop
		case end != 0:
			return end, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if end == 0 {
		return 0, fmt.Errorf("%#x is not in a readable mapping", addr)
	}
	return end, nil
}

func pageRange(addr uint64, n int) (uintptr, uintptr) {
	ps := uintptr(os.Getpagesize())
	start := uintptr(addr) &^ (ps - 1)
	end := (uintptr(addr) + uintptr(n) + ps - 1) &^ (ps - 1)
	return start, end
}

func mprotect(start, end uintptr, prot int) error {
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start), prot)
}

// WriteCode makes the pages spanned by code writable, copies it and makes
// them read-only and executable again.
func (SelfMemory) WriteCode(addr uint64, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	start, end := pageRange(addr, len(code))
	if err := mprotect(start, end, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect %#x-%#x: %w", start, end, err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(code)), code)
	if err := mprotect(start, end, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect %#x-%#x: %w", start, end, err)
	}
	return nil
}

func mmap(hint uintptr, size int) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

func munmap(addr uintptr, size int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// AllocNear maps size bytes of zeroed RWX memory. The kernel is given
// hints at increasing distances from addr until a mapping within reach of
// a 32 bit displacement is obtained; if none is, the memory is mapped
// anywhere.
func (SelfMemory) AllocNear(addr uint64, size int) (uint64, error) {
	near := func(p uintptr) bool {
		return fitsRel32(addr+farJumpLen, uint64(p)) && fitsRel32(uint64(p)+uint64(size), addr)
	}
	base := uintptr(addr) &^ (allocStep - 1)
	for i := 1; i <= allocSteps; i++ {
		for _, hint := range []uintptr{base + uintptr(i)*allocStep, base - uintptr(i)*allocStep} {
			if hint > base+uintptr(i)*allocStep || hint == 0 {
				continue // wrapped around
			}
			p, err := mmap(hint, size)
			if err != nil {
				return 0, fmt.Errorf("mmap: %w", err)
			}
			if near(p) {
				return uint64(p), nil
			}
			munmap(p, size)
		}
	}
	p, err := mmap(0, size)
	if err != nil {
		return 0, fmt.Errorf("mmap: %w", err)
	}
	return uint64(p), nil
}

func (SelfMemory) Free(addr uint64, size int) error {
	return munmap(uintptr(addr), size)
}
