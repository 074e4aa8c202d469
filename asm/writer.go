package asm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/chazu/procvm/vm"
)

// Writer prints a buffer as an assembler listing. A listing of a linked
// buffer assembles back to the same sections and symbols.
type Writer struct {
	cs  *vm.CommandSet
	out *bufio.Writer
}

// NewWriter creates a listing writer that renders opcodes through cs.
func NewWriter(cs *vm.CommandSet) *Writer {
	return &Writer{cs: cs}
}

// Setup directs the listing to dst.
func (w *Writer) Setup(dst io.Writer) error {
	if dst == nil {
		return fmt.Errorf("asm: no destination for the listing")
	}
	w.out = bufio.NewWriter(dst)
	return nil
}

// Reset drops the destination.
func (w *Writer) Reset() {
	w.out = nil
}

// Write prints buffer id of m.
func (w *Writer) Write(m *vm.MMU, id vm.BufferID) error {
	if w.out == nil {
		return fmt.Errorf("asm: writer is not set up")
	}
	var img vm.BufferImage
	err := m.WithTemporaryContext(id, func() error {
		img = m.Image()
		return nil
	})
	if err != nil {
		return err
	}
	w.listing(id, &img)
	return w.out.Flush()
}

// names groups the symbols that point straight at an address of a
// placeable section.
type names map[vm.DirectReference][]vm.Symbol

func symbolName(s vm.Symbol) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("_s%016x", s.Hash)
}

func (w *Writer) listing(id vm.BufferID, img *vm.BufferImage) {
	at := names{}
	var aliases []vm.Symbol
	for _, s := range img.Symbols.Sorted() {
		if !s.Ref.IsSymbol && s.Ref.Direct.Section.IsPlaceable() {
			at[s.Ref.Direct] = append(at[s.Ref.Direct], s)
			continue
		}
		aliases = append(aliases, s)
	}
	// Symbols that share an address with a primary name become aliases.
	take := func(d vm.DirectReference, fallback string) string {
		syms := at[d]
		delete(at, d)
		if len(syms) == 0 {
			return fallback
		}
		aliases = append(aliases, syms[1:]...)
		return symbolName(syms[0])
	}

	fmt.Fprintf(w.out, "; procvm listing of buffer %d\n", id)
	fmt.Fprintf(w.out, "; %d code, %d data, %d bytepool, %d symbols\n",
		len(img.Code), len(img.Data), len(img.Bytepool), len(img.Symbols))

	if len(img.Data) > 0 {
		w.out.WriteString("\n")
	}
	for i, v := range img.Data {
		name := take(vm.DirectReference{Section: vm.SectionData, Address: uint64(i)}, fmt.Sprintf("_d%d", i))
		switch v.Type {
		case vm.TypeNone:
			fmt.Fprintf(w.out, "decl %s\n", name)
		default:
			fmt.Fprintf(w.out, "decl.%s %s = %s\n", v.Type.Suffix(), name, v)
		}
	}

	if len(img.Bytepool) > 0 {
		w.out.WriteString("\n")
	}
	pool := img.Bytepool
	for start := 0; start < len(pool); {
		end := bytes.IndexByte(pool[start:], 0)
		if end < 0 {
			fmt.Fprintf(w.out, "; %d unterminated bytes at bytepool %d\n", len(pool)-start, start)
			break
		}
		name := take(vm.DirectReference{Section: vm.SectionBytepool, Address: uint64(start)}, fmt.Sprintf("_b%d", start))
		fmt.Fprintf(w.out, "str %s %s\n", name, strconv.Quote(string(pool[start:start+end])))
		start += end + 1
	}

	w.out.WriteString("\n")
	syms := img.Symbols
	for ip := range img.Code {
		w.labels(at, uint64(ip))
		fmt.Fprintf(w.out, "\t%s\n", vm.FormatCommand(w.cs, syms, &img.Code[ip]))
	}

	// Whatever is left points into the middle of a string or is an alias.
	for _, list := range at {
		aliases = append(aliases, list...)
	}
	if len(aliases) == 0 {
		return
	}
	sort.Slice(aliases, func(i, j int) bool { return symbolName(aliases[i]) < symbolName(aliases[j]) })
	w.out.WriteString("\n")
	for _, s := range aliases {
		fmt.Fprintf(w.out, "decl %s : %s\n", symbolName(s), formatRef(syms, s.Ref))
	}
}

func (w *Writer) labels(at names, ip uint64) {
	d := vm.DirectReference{Section: vm.SectionCode, Address: ip}
	for _, s := range at[d] {
		fmt.Fprintf(w.out, "%s:\n", symbolName(s))
	}
	delete(at, d)
}

var shortPrefixes = map[vm.Section]string{
	vm.SectionCode:      "c",
	vm.SectionData:      "d",
	vm.SectionBytepool:  "b",
	vm.SectionFrame:     "f",
	vm.SectionFrameBack: "p",
}

// formatRef renders ref in operand syntax.
func formatRef(syms vm.SymbolMap, ref vm.Reference) string {
	if ref.IsSymbol {
		if s, ok := syms[ref.Symbol]; ok {
			return symbolName(s)
		}
		return fmt.Sprintf("_s%016x", ref.Symbol)
	}
	d := ref.Direct
	if d.Section == vm.SectionRegister {
		return "$" + vm.Register(d.Address).String()
	}
	if p, ok := shortPrefixes[d.Section]; ok {
		return fmt.Sprintf("%s:%d", p, d.Address)
	}
	return d.String()
}
