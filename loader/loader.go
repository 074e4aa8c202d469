// Package loader picks the reader for a program: procvm images go to
// objfile, everything else is treated as assembler source.
package loader

import (
	"bufio"
	"io"

	"github.com/chazu/procvm/asm"
	"github.com/chazu/procvm/objfile"
	"github.com/chazu/procvm/vm"
)

// Reader is a vm.Reader that negotiates the input format in Setup and
// forwards every other call to the chosen reader.
type Reader struct {
	cs     *vm.CommandSet
	active vm.Reader
}

// New creates a negotiating reader. Assembler source is decoded through
// cs.
func New(cs *vm.CommandSet) *Reader {
	return &Reader{cs: cs}
}

// Setup peeks at src and sets up the matching reader.
func (r *Reader) Setup(src io.Reader) (vm.FileKind, error) {
	br := bufio.NewReader(src)
	prefix, err := br.Peek(objfile.SniffLen())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return vm.FileUnknown, err
	}
	if objfile.IsImage(prefix) {
		r.active = objfile.NewReader()
	} else {
		r.active = asm.NewReader(r.cs)
	}
	return r.active.Setup(br)
}

// Format returns the kind of reader chosen by the last Setup, "image" or
// "asm", or "" before Setup.
func (r *Reader) Format() string {
	switch r.active.(type) {
	case *objfile.Reader:
		return "image"
	case *asm.Reader:
		return "asm"
	}
	return ""
}

func (r *Reader) NextSection() (vm.Section, int, error) {
	if r.active == nil {
		return 0, 0, io.EOF
	}
	return r.active.NextSection()
}

func (r *Reader) ReadSymbols() (vm.SymbolMap, error) {
	if r.active == nil {
		return nil, io.EOF
	}
	return r.active.ReadSymbols()
}

func (r *Reader) ReadSectionImage() (any, error) {
	if r.active == nil {
		return nil, io.EOF
	}
	return r.active.ReadSectionImage()
}

func (r *Reader) ReadStream() (*vm.DecodeResult, error) {
	if r.active == nil {
		return nil, io.EOF
	}
	return r.active.ReadStream()
}

// Reset resets the chosen reader. Format keeps reporting it.
func (r *Reader) Reset() {
	if r.active != nil {
		r.active.Reset()
	}
}
