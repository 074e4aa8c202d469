package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

// Section is a storage region or a virtual addressing kind.
type Section uint8

const (
	SectionCode Section = iota
	SectionData
	SectionBytepool
	SectionRegister
	SectionFrame
	SectionFrameBack
	SectionSymbolMap
	NumSections
)

var sectionNames = [NumSections]string{
	SectionCode:      "code",
	SectionData:      "data",
	SectionBytepool:  "bytepool",
	SectionRegister:  "register",
	SectionFrame:     "frame",
	SectionFrameBack: "frame-back",
	SectionSymbolMap: "symbols",
}

func (s Section) String() string {
	if s < NumSections {
		return sectionNames[s]
	}
	return fmt.Sprintf("section(%d)", uint8(s))
}

// IsVirtual reports whether the section has no backing image.
func (s Section) IsVirtual() bool {
	return s == SectionRegister || s == SectionFrame || s == SectionFrameBack
}

// IsPlaceable reports whether the linker may assign AUTO addresses in s.
func (s Section) IsPlaceable() bool {
	return s == SectionCode || s == SectionData || s == SectionBytepool
}

// Limits holds a size per section.
type Limits [NumSections]uint64

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// Register names one slot of a buffer's register file.
type Register uint8

const (
	RegA Register = iota
	RegB
	RegC
	RegD
	RegE
	RegF
	NumRegisters
)

var registerNames = [NumRegisters]string{"ra", "rb", "rc", "rd", "re", "rf"}

func (r Register) String() string {
	if r < NumRegisters {
		return registerNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// DecodeRegister parses a register name, with or without a leading '$'.
func DecodeRegister(name string) (Register, error) {
	n := strings.ToLower(strings.TrimPrefix(name, "$"))
	for i, rn := range registerNames {
		if rn == n {
			return Register(i), nil
		}
	}
	return 0, decodef("register", "unknown register %q", name)
}

// ---------------------------------------------------------------------------
// References and symbols
// ---------------------------------------------------------------------------

// AutoAddress marks a direct reference whose address the linker assigns.
const AutoAddress = ^uint64(0)

// DirectReference is a concrete (section, address) pair.
type DirectReference struct {
	Section Section `cbor:"1,keyasint"`
	Address uint64  `cbor:"2,keyasint"`
}

func (d DirectReference) String() string {
	if d.Address == AutoAddress {
		return d.Section.String() + ":auto"
	}
	if d.Section == SectionRegister {
		return "$" + Register(d.Address).String()
	}
	return fmt.Sprintf("%s:%d", d.Section, d.Address)
}

// Reference is either an alias to a symbol (by hash) or a direct
// reference.
type Reference struct {
	IsSymbol bool            `cbor:"1,keyasint,omitempty"`
	Symbol   uint64          `cbor:"2,keyasint,omitempty"`
	Direct   DirectReference `cbor:"3,keyasint"`
}

// SymbolRef returns an alias reference to the symbol with the given hash.
func SymbolRef(hash uint64) Reference {
	return Reference{IsSymbol: true, Symbol: hash}
}

// DirectRef returns a direct reference.
func DirectRef(s Section, addr uint64) Reference {
	return Reference{Direct: DirectReference{Section: s, Address: addr}}
}

// IsAuto reports whether the reference awaits AUTO placement.
func (r Reference) IsAuto() bool {
	return !r.IsSymbol && r.Direct.Address == AutoAddress
}

func (r Reference) String() string {
	if r.IsSymbol {
		return fmt.Sprintf("#%016x", r.Symbol)
	}
	return r.Direct.String()
}

// HashSymbol returns the table key for a symbol name.
func HashSymbol(name string) uint64 {
	return xxh3.HashString(name)
}

// Symbol is one symbol table entry. Hash must equal the entry's key.
type Symbol struct {
	Name     string    `cbor:"1,keyasint"`
	Hash     uint64    `cbor:"2,keyasint"`
	Resolved bool      `cbor:"3,keyasint,omitempty"`
	Ref      Reference `cbor:"4,keyasint"`
}

// Define returns a resolved symbol named name bound to ref.
func Define(name string, ref Reference) Symbol {
	return Symbol{Name: name, Hash: HashSymbol(name), Resolved: true, Ref: ref}
}

// Mention returns an unresolved symbol for a name that is only used.
func Mention(name string) Symbol {
	return Symbol{Name: name, Hash: HashSymbol(name)}
}

// SymbolMap is a symbol table keyed by symbol hash.
type SymbolMap map[uint64]Symbol

// Clone returns a shallow copy of the table.
func (m SymbolMap) Clone() SymbolMap {
	out := make(SymbolMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the table keys in ascending order.
func (m SymbolMap) Keys() []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Lookup finds a symbol by name.
func (m SymbolMap) Lookup(name string) (Symbol, bool) {
	s, ok := m[HashSymbol(name)]
	return s, ok
}

// Sorted returns the entries ordered by name.
func (m SymbolMap) Sorted() []Symbol {
	out := make([]Symbol, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
