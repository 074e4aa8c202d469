package vm

import (
	"github.com/tliron/commonlog"
)

// Linker resolves symbolic references into direct ones. A session starts
// with DirectLinkInit, merges symbols with DirectLinkAdd or MergeLinkAdd
// and ends with Commit, which validates the table and hands it to the
// MMU's current buffer.
type Linker struct {
	mmu    *MMU
	cs     *CommandSet
	table  SymbolMap
	active bool
	log    commonlog.Logger
}

// NewLinker creates a linker working on m's current buffer.
func NewLinker(m *MMU, cs *CommandSet) *Linker {
	return &Linker{
		mmu: m,
		cs:  cs,
		log: commonlog.GetLogger("procvm.linker"),
	}
}

// DirectLinkInit starts a new session with an empty running table.
func (l *Linker) DirectLinkInit() {
	if l.active {
		l.log.Warningf("discarding unfinished link session with %d symbols", len(l.table))
	}
	l.table = SymbolMap{}
	l.active = true
}

// Active reports whether a session is open.
func (l *Linker) Active() bool {
	return l.active
}

// Table returns the running table of the open session.
func (l *Linker) Table() SymbolMap {
	return l.table
}

// DirectLinkAdd merges a batch of streamed symbols. Defined symbols with
// an AUTO address are placed at the section size given in limits; only
// CODE, DATA and BYTEPOOL can be placed. Redefining a resolved symbol is
// an error. Mentioned symbols are recorded for later resolution.
func (l *Linker) DirectLinkAdd(symbols []Symbol, limits Limits) error {
	if !l.active {
		return structuralf("link", "no link session")
	}
	for _, s := range symbols {
		if err := l.add(s.Hash, s, &limits); err != nil {
			return err
		}
	}
	return nil
}

// MergeLinkAdd folds an already linked table into the session. Entries
// are treated like streamed ones.
func (l *Linker) MergeLinkAdd(symbols SymbolMap) error {
	if !l.active {
		return structuralf("link", "no link session")
	}
	limits := l.mmu.QuerySectionLimits()
	for _, key := range symbols.Keys() {
		if err := l.add(key, symbols[key], &limits); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) add(key uint64, s Symbol, limits *Limits) error {
	existing, seen := l.table[key]
	if !s.Resolved {
		if !seen {
			l.table[key] = s
		}
		return nil
	}
	if seen && existing.Resolved {
		return linkErr(LinkRedefinition, s, "already bound to %s", existing.Ref)
	}
	if s.Ref.IsAuto() {
		sec := s.Ref.Direct.Section
		if !sec.IsPlaceable() {
			return linkErr(LinkIllegalAuto, s, "%s addresses cannot be assigned automatically", sec)
		}
		s.Ref.Direct.Address = limits[sec]
	}
	l.table[key] = s
	l.log.Debugf("bound %q to %s", s.Name, s.Ref)
	return nil
}

// Commit ends the session: the running table is finalized and handed to
// the MMU.
func (l *Linker) Commit() error {
	if !l.active {
		return structuralf("link", "commit without a link session")
	}
	err := l.Finalize()
	l.table = nil
	l.active = false
	return err
}

// Abort ends the session without touching the current buffer's symbol
// table.
func (l *Linker) Abort() {
	if l.active {
		l.log.Debugf("aborted link session with %d symbols", len(l.table))
	}
	l.table = nil
	l.active = false
}

// Finalize validates the running table and, on success, makes it the
// current buffer's symbol table. Every entry must be keyed by its own
// hash and resolved; every alias chain must be acyclic and end in a
// direct reference within the current section sizes.
func (l *Linker) Finalize() error {
	keys := l.table.Keys()
	for _, k := range keys {
		s := l.table[k]
		if s.Hash != k {
			return linkErr(LinkCorrupt, s, "stored hash differs from key %016x", k)
		}
		if !s.Resolved {
			return linkErr(LinkUnresolved, s, "referenced but never defined")
		}
	}

	limits := l.mmu.QuerySectionLimits()
	for _, k := range keys {
		d, err := resolveIn(l.table, l.table[k].Ref)
		if err != nil {
			return err
		}
		if err := checkBounds(l.table[k], d, &limits); err != nil {
			return err
		}
	}

	l.mmu.SetSymbolImage(l.table)
	l.log.Infof("linked %d symbols into buffer %d", len(keys), l.mmu.CurrentContext().Buffer)
	l.table = SymbolMap{}
	return nil
}

func checkBounds(s Symbol, d DirectReference, limits *Limits) error {
	switch d.Section {
	case SectionCode, SectionData, SectionBytepool:
		if d.Address >= limits[d.Section] {
			return linkErr(LinkOutOfBounds, s, "%s is outside the %s section (size %d)", d, d.Section, limits[d.Section])
		}
	case SectionRegister:
		if d.Address >= uint64(NumRegisters) {
			return linkErr(LinkOutOfBounds, s, "no register %d", d.Address)
		}
	case SectionFrame, SectionFrameBack:
		if d.Address == AutoAddress {
			return linkErr(LinkIllegalAuto, s, "%s offsets cannot be assigned automatically", d.Section)
		}
	default:
		return linkErr(LinkOutOfBounds, s, "section %s is not addressable", d.Section)
	}
	return nil
}

// Resolve follows ref's alias chain to a direct reference. Inside a
// session the running table is used, otherwise the current buffer's.
func (l *Linker) Resolve(ref Reference) (DirectReference, error) {
	table := l.mmu.Symbols()
	if l.active {
		table = l.table
	}
	return resolveIn(table, ref)
}

// resolveIn walks an alias chain with a visited set, so it terminates on
// every table.
func resolveIn(table SymbolMap, ref Reference) (DirectReference, error) {
	if !ref.IsSymbol {
		return ref.Direct, nil
	}
	visited := make(map[uint64]struct{})
	for ref.IsSymbol {
		if _, loop := visited[ref.Symbol]; loop {
			s := table[ref.Symbol]
			return DirectReference{}, linkErr(LinkCircular, s, "alias chain revisits #%016x", ref.Symbol)
		}
		visited[ref.Symbol] = struct{}{}
		s, ok := table[ref.Symbol]
		if !ok || !s.Resolved {
			if !ok {
				s.Hash = ref.Symbol
			}
			return DirectReference{}, linkErr(LinkUnresolved, s, "alias chain is broken")
		}
		ref = s.Ref
	}
	return ref.Direct, nil
}

// Relocate shifts the current buffer after MMU.ShiftImages: symbol
// addresses and the direct operands of the shifted commands move up by
// the per-section offsets.
func (l *Linker) Relocate(offsets Limits) error {
	syms := l.mmu.DumpSymbolImage()
	for k, s := range syms {
		if !s.Ref.IsSymbol && s.Ref.Direct.Section.IsPlaceable() && !s.Ref.IsAuto() {
			s.Ref.Direct.Address += offsets[s.Ref.Direct.Section]
			syms[k] = s
		}
	}
	l.mmu.SetSymbolImage(syms)

	size := l.mmu.QuerySectionLimits()[SectionCode]
	for ip := offsets[SectionCode]; ip < size; ip++ {
		cmd, err := l.mmu.ACommand(ip)
		if err != nil {
			return err
		}
		t, err := l.cs.Decode(cmd.Opcode)
		if err != nil {
			return err
		}
		if t.Arg == ArgReference {
			cmd.shift(&offsets)
		}
	}
	l.log.Debugf("relocated buffer %d by %v", l.mmu.CurrentContext().Buffer, offsets)
	return nil
}
