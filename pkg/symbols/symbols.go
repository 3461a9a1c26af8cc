// Package symbols locates functions of a binary image by name.
//
// The dynamic symbol table of the image is parsed once when the image is
// loaded, the static symbol table (if any) is appended after it. Every
// entry is paired with a display name: the demangled name when the raw
// name uses a supported mangling scheme (Itanium C++, Rust), the raw name
// otherwise. Lookups by raw or display name return the first entry in
// table order.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/derekparker/trie"
	"github.com/ianlancetaylor/demangle"

	"github.com/go-delve/framelock/pkg/logflags"
)

// ErrNotFound is wrapped by every NotFoundError.
var ErrNotFound = errors.New("symbol not found")

// NotFoundError is returned by Resolve when no symbol has the requested
// name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ParseError is returned when the image is not a well formed ELF file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("could not parse image: %v", e.Err)
	}
	return fmt.Sprintf("could not parse image %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Symbol is an entry of the symbol table of an image.
type Symbol struct {
	Name      string // raw name as stored in the image
	Demangled string // display name, equal to Name if Name is not mangled
	Addr      uint64 // address, load bias included
	Size      uint64
	Dynamic   bool // true if the entry comes from .dynsym
}

// Image is the parsed symbol table of a binary image.
type Image struct {
	Path string
	// Bias is added to the value of every symbol of a position independent
	// image.
	Bias uint64

	symbols []Symbol
	index   *trie.Trie
}

// Open parses the image at path.
func Open(path string, bias uint64) (*Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, err := NewImage(fh, bias)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return nil, err
	}
	img.Path = path
	return img, nil
}

// NewImage parses the ELF image read from r. Symbol values of ET_DYN
// images are offset by bias.
func NewImage(r io.ReaderAt, bias uint64) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		bias = 0
	}

	img := &Image{Bias: bias, index: trie.New()}
	logger := logflags.SymbolsLogger()

	dynsyms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &ParseError{Err: err}
	}
	img.add(dynsyms, true)

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &ParseError{Err: err}
	}
	img.add(syms, false)

	if logflags.Symbols() {
		logger.Debugf("loaded %d dynamic and %d static symbols (bias %#x)", len(dynsyms), len(syms), bias)
	}
	return img, nil
}

func (img *Image) add(syms []elf.Symbol, dynamic bool) {
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, elf.STT_LOOS: // STT_LOOS is STT_GNU_IFUNC
		default:
			continue
		}
		s := Symbol{
			Name:      sym.Name,
			Demangled: demangle.Filter(sym.Name),
			Addr:      sym.Value + img.Bias,
			Size:      sym.Size,
			Dynamic:   dynamic,
		}
		img.symbols = append(img.symbols, s)
		idx := len(img.symbols) - 1
		img.indexName(s.Name, idx)
		if s.Demangled != s.Name {
			img.indexName(s.Demangled, idx)
		}
	}
}

// indexName records idx for name unless an earlier entry already has it.
func (img *Image) indexName(name string, idx int) {
	if _, found := img.index.Find(name); found {
		return
	}
	img.index.Add(name, idx)
}

// Lookup returns the first symbol whose raw or display name is name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	node, found := img.index.Find(name)
	if !found {
		return Symbol{}, false
	}
	return img.symbols[node.Meta().(int)], true
}

// Resolve returns the address of the first symbol named name.
func (img *Image) Resolve(name string) (uint64, error) {
	sym, ok := img.Lookup(name)
	if !ok {
		return 0, &NotFoundError{Name: name}
	}
	return sym.Addr, nil
}

// Symbols returns every symbol in table order.
func (img *Image) Symbols() []Symbol {
	return img.symbols
}

// PrefixSearch returns the symbols having a raw or display name that
// starts with prefix, in table order, without duplicates.
func (img *Image) PrefixSearch(prefix string) []Symbol {
	seen := map[int]bool{}
	for _, name := range img.index.PrefixSearch(prefix) {
		node, found := img.index.Find(name)
		if !found {
			continue
		}
		seen[node.Meta().(int)] = true
	}
	idxs := make([]int, 0, len(seen))
	for idx := range seen {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	r := make([]Symbol, len(idxs))
	for i, idx := range idxs {
		r[i] = img.symbols[idx]
	}
	return r
}

// Containing returns the symbol whose [Addr, Addr+Size) range contains
// addr.
func (img *Image) Containing(addr uint64) (Symbol, bool) {
	for _, sym := range img.symbols {
		if sym.Size > 0 && addr >= sym.Addr && addr < sym.Addr+sym.Size {
			return sym, true
		}
	}
	return Symbol{}, false
}
