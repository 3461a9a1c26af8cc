//go:build linux && amd64 && cgo

// Package fixture provides native functions for the interception tests.
package fixture

/*
#include <stdint.h>

extern int64_t fixture_add(int64_t, int64_t, int64_t, int64_t, int64_t, int64_t);
extern int64_t fixture_short(void);
extern int64_t fixture_calls;
extern double fixture_fsum(double, double, double, double, double, double, double, double);
extern int64_t fixture_call_fsum(void);
extern double fixture_result;

static uintptr_t fixture_add_addr(void) { return (uintptr_t)&fixture_add; }
static uintptr_t fixture_short_addr(void) { return (uintptr_t)&fixture_short; }
static uintptr_t fixture_fsum_addr(void) { return (uintptr_t)&fixture_fsum; }
*/
import "C"

// Saved holds the values CallFSum loads into RBX and R12-R15 before the
// call, in that order.
var Saved = [5]uint64{
	0x1111111111111111,
	0x1212121212121212,
	0x1313131313131313,
	0x1414141414141414,
	0x1515151515151515,
}

// FArgs holds the arguments CallFSum passes in XMM0-XMM7.
var FArgs = [8]float64{1, 2, 4, 8, 16, 32, 64, 128}

// Add calls fixture_add, which returns the sum of its six arguments and
// increments Calls.
func Add(a, b, c, d, e, f int64) int64 {
	return int64(C.fixture_add(C.int64_t(a), C.int64_t(b), C.int64_t(c), C.int64_t(d), C.int64_t(e), C.int64_t(f)))
}

// AddAddr returns the address of fixture_add.
func AddAddr() uint64 {
	return uint64(C.fixture_add_addr())
}

// Short calls fixture_short, a function too short to be hooked. It returns 0.
func Short() int64 {
	return int64(C.fixture_short())
}

// ShortAddr returns the address of fixture_short.
func ShortAddr() uint64 {
	return uint64(C.fixture_short_addr())
}

// Calls returns the number of times fixture_add ran.
func Calls() int64 {
	return int64(C.fixture_calls)
}

// FSum calls fixture_fsum, which returns the sum of its eight floating
// point arguments.
func FSum(a, b, c, d, e, f, g, h float64) float64 {
	return float64(C.fixture_fsum(C.double(a), C.double(b), C.double(c), C.double(d), C.double(e), C.double(f), C.double(g), C.double(h)))
}

// FSumAddr returns the address of fixture_fsum.
func FSumAddr() uint64 {
	return uint64(C.fixture_fsum_addr())
}

// CallFSum calls fixture_fsum from assembly with RBX and R12-R15 set to
// Saved, XMM0-XMM7 set to FArgs and the carry flag set. It returns what
// fixture_fsum returned and a mask of the registers of Saved that did
// not survive the call.
func CallFSum() (float64, uint64) {
	changed := uint64(C.fixture_call_fsum())
	return float64(C.fixture_result), changed
}
