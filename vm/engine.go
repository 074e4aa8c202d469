package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// Engine owns every subsystem and drives load, link, compile, execute,
// merge and delete. Subsystems get their collaborators at construction
// and never hold a reference back to the engine.
type Engine struct {
	ID uuid.UUID

	cfg       Config
	mmu       *MMU
	cs        *CommandSet
	linker    *Linker
	logic     *Logic
	executors []Executor
	backend   Backend
	log       commonlog.Logger
}

// NewEngine creates an engine with the built-in executors bound and an
// x86-64 backend.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		ID:  uuid.New(),
		cfg: cfg,
		mmu: NewMMU(cfg),
		cs:  NewCommandSet(),
		executors: []Executor{
			NewIntegerExecutor(),
			NewFloatExecutor(),
			NewServiceExecutor(),
		},
		backend: NewX86Backend(),
		log:     commonlog.GetLogger("procvm.engine"),
	}
	e.linker = NewLinker(e.mmu, e.cs)
	e.logic = NewLogic(e.mmu, e.linker, e.cs, e.executors...)
	e.bindExecutors()
	e.log.Infof("engine %s ready (jit %t, %d buffers)", e.ID, cfg.JIT, cfg.MaxBuffers)
	return e
}

// bindExecutors registers handle i+1 for the i-th mnemonic of every
// executor.
func (e *Engine) bindExecutors() {
	for _, x := range e.executors {
		x.ResetImplementations()
		for i, m := range x.Supported() {
			if err := e.cs.Bind(ModuleFor(x.Kind()), m, Handle(i+1)); err != nil {
				e.log.Errorf("binding %s executor: %s", x.Kind(), err)
			}
		}
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// MMU returns the memory unit.
func (e *Engine) MMU() *MMU { return e.mmu }

// Linker returns the linker.
func (e *Engine) Linker() *Linker { return e.linker }

// Logic returns the interpreter.
func (e *Engine) Logic() *Logic { return e.logic }

// CommandSet returns the opcode registry.
func (e *Engine) CommandSet() *CommandSet { return e.cs }

// Backend returns the native backend.
func (e *Engine) Backend() Backend { return e.backend }

// CurrentContext returns the live context.
func (e *Engine) CurrentContext() Context { return *e.mmu.CurrentContext() }

// Checksum returns the state checksum of the current context.
func (e *Engine) Checksum() uint64 { return e.logic.ChecksumState() }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a program into a fresh buffer and switches to it. On error
// the buffer is left and released.
func (e *Engine) Load(r Reader, src io.Reader) (BufferID, error) {
	id, err := e.mmu.AllocateContextBuffer()
	if err != nil {
		return 0, err
	}
	if err := e.mmu.SwitchToContextBuffer(id); err != nil {
		e.mmu.ReleaseContextBuffer(id)
		return 0, err
	}
	if err := e.loadInto(r, src); err != nil {
		e.mmu.RestoreCurrentContext()
		return 0, err
	}
	e.log.Noticef("loaded buffer %d: %v", id, e.mmu.QuerySectionLimits())
	return id, nil
}

// LoadDetached reads a program into a fresh buffer without switching to
// it.
func (e *Engine) LoadDetached(r Reader, src io.Reader) (BufferID, error) {
	id, err := e.mmu.AllocateContextBuffer()
	if err != nil {
		return 0, err
	}
	err = e.mmu.WithTemporaryContext(id, func() error {
		return e.loadInto(r, src)
	})
	if err != nil {
		e.mmu.ReleaseContextBuffer(id)
		return 0, err
	}
	e.log.Noticef("loaded detached buffer %d", id)
	return id, nil
}

func (e *Engine) loadInto(r Reader, src io.Reader) error {
	defer r.Reset()
	kind, err := r.Setup(src)
	if err != nil {
		return err
	}
	switch kind {
	case FileBinary:
		return e.loadBinary(r)
	case FileStream:
		return e.loadStream(r)
	}
	return structuralf("load", "reader did not recognize the input")
}

// loadBinary appends every section and links the symbol map it carried.
func (e *Engine) loadBinary(r Reader) error {
	for {
		sec, count, err := r.NextSection()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if sec == SectionSymbolMap {
			syms, err := r.ReadSymbols()
			if err != nil {
				return err
			}
			if len(syms) != count {
				return structuralf("load", "symbol map has %d entries, header says %d", len(syms), count)
			}
			e.mmu.InsertSyms(syms)
			continue
		}
		img, err := r.ReadSectionImage()
		if err != nil {
			return err
		}
		if err := e.mmu.AppendSection(sec, img, count); err != nil {
			return err
		}
	}

	e.linker.DirectLinkInit()
	if err := e.linker.MergeLinkAdd(e.mmu.DumpSymbolImage()); err != nil {
		e.linker.Abort()
		return err
	}
	return e.linker.Commit()
}

// loadStream links each unit's symbols against the section sizes before
// appending its records, then commits once the stream ends.
func (e *Engine) loadStream(r Reader) error {
	e.linker.DirectLinkInit()
	for {
		u, err := r.ReadStream()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = e.appendUnit(u)
		}
		if err != nil {
			e.linker.Abort()
			return err
		}
	}
	return e.linker.Commit()
}

func (e *Engine) appendUnit(u *DecodeResult) error {
	if err := e.linker.DirectLinkAdd(u.Symbols, e.mmu.QuerySectionLimits()); err != nil {
		return err
	}
	if len(u.Code) > 0 {
		if err := e.mmu.AppendSection(SectionCode, u.Code, len(u.Code)); err != nil {
			return err
		}
	}
	if len(u.Data) > 0 {
		if err := e.mmu.AppendSection(SectionData, u.Data, len(u.Data)); err != nil {
			return err
		}
	}
	if len(u.Bytepool) > 0 {
		if err := e.mmu.AppendSection(SectionBytepool, u.Bytepool, len(u.Bytepool)); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes the current buffer with w.
func (e *Engine) Dump(w Writer, dst io.Writer) error {
	defer w.Reset()
	if err := w.Setup(dst); err != nil {
		return err
	}
	return w.Write(e.mmu, e.mmu.CurrentContext().Buffer)
}

// ---------------------------------------------------------------------------
// Merging and lifetime
// ---------------------------------------------------------------------------

// Merge folds buffer source into the current buffer. The current
// buffer's images are shifted up by the size of source's, source is
// pasted in front, and both symbol tables are relinked. source is
// released afterwards.
func (e *Engine) Merge(source BufferID) error {
	if source == e.mmu.CurrentContext().Buffer {
		return structuralf("merge", "cannot merge buffer %d into itself", source)
	}

	var limits Limits
	var symbols SymbolMap
	err := e.mmu.WithTemporaryContext(source, func() error {
		limits = e.mmu.QuerySectionLimits()
		symbols = e.mmu.Symbols().Clone()
		return nil
	})
	if err != nil {
		return err
	}

	var offsets Limits
	for _, s := range []Section{SectionCode, SectionData, SectionBytepool} {
		offsets[s] = limits[s]
	}

	// Either every step succeeds or the buffer is left as it was.
	saved := e.mmu.saveImages()
	fail := func(err error) error {
		e.linker.Abort()
		e.mmu.restoreImages(saved)
		e.log.Warningf("merge of buffer %d rolled back: %s", source, err)
		return err
	}

	if err := e.mmu.ShiftImages(offsets); err != nil {
		return fail(err)
	}
	if err := e.linker.Relocate(offsets); err != nil {
		return fail(err)
	}
	if err := e.mmu.PasteFromContext(source); err != nil {
		return fail(err)
	}

	e.linker.DirectLinkInit()
	if err := e.linker.MergeLinkAdd(e.mmu.DumpSymbolImage()); err != nil {
		return fail(err)
	}
	if err := e.linker.MergeLinkAdd(symbols); err != nil {
		return fail(err)
	}
	if err := e.linker.Commit(); err != nil {
		return fail(err)
	}

	if source != 0 && !e.mmu.referenced(source) {
		if err := e.mmu.ReleaseContextBuffer(source); err != nil {
			return err
		}
	}
	e.log.Noticef("merged buffer %d into %d", source, e.mmu.CurrentContext().Buffer)
	return nil
}

// Reset rewinds the current context to the start of its buffer.
func (e *Engine) Reset() {
	e.mmu.Rewind()
}

// Clear empties the current buffer.
func (e *Engine) Clear() error {
	return e.mmu.ResetContextBuffer(e.mmu.CurrentContext().Buffer)
}

// Delete leaves the current buffer, releasing it when nothing else
// refers to it.
func (e *Engine) Delete() error {
	return e.mmu.RestoreCurrentContext()
}

// Release frees a buffer no context refers to.
func (e *Engine) Release(id BufferID) error {
	return e.mmu.ReleaseContextBuffer(id)
}

// Flush tears everything down: buffers, native images and command set
// bindings, which are then rebound.
func (e *Engine) Flush() {
	e.mmu.ResetEverything()
	e.backend.Flush()
	e.cs.Reset()
	e.bindExecutors()
	e.log.Infof("engine %s flushed", e.ID)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Compile compiles the current state into a native image. Failure is
// logged and reported as false; the run will be interpreted.
func (e *Engine) Compile() bool {
	chk := e.logic.ChecksumState()
	if err := e.backend.CompileBuffer(codeView{e}, chk, e.callout); err != nil {
		if errors.Is(err, ErrNativeUnsupported) {
			e.log.Infof("native compilation unavailable: %s", err)
		} else {
			e.log.Warningf("native compilation failed: %s", err)
		}
		return false
	}
	return e.backend.ImageIsOK(chk)
}

// Exec runs the current context to completion and returns the top of the
// active stack. With JIT enabled a cached or freshly compiled image runs
// first; if it fails the state is restored and the whole run is
// interpreted. Exec does not rewind: call Reset to run again.
func (e *Engine) Exec() (Value, error) {
	if e.cfg.JIT {
		e.Compile()
		chk := e.logic.ChecksumState()
		if img, ok := e.backend.GetImage(chk); ok {
			snap := e.mmu.snapshot()
			e.logic.BeginAttempt()
			v, err := e.runNative(img)
			if err == nil {
				e.logic.CommitAttempt()
				return v, nil
			}
			e.mmu.restore(snap)
			e.logic.RewindAttempt()
			e.log.Warningf("native run failed, interpreting: %s", err)
		}
	}

	v, err := e.logic.Run()
	e.logic.CommitAttempt()
	if err != nil {
		e.log.Errorf("execution aborted: %s\n%s", err, e.mmu.DumpContext())
		return Value{}, err
	}
	return v, nil
}

func (e *Engine) runNative(img *NativeImage) (Value, error) {
	if err := e.mmu.SelectStack(TypeInteger); err != nil {
		return Value{}, err
	}
	ctx := e.mmu.CurrentContext()
	if ctx.Flags&FlagExit != 0 {
		return e.logic.Result(), nil
	}
	c, err := img.Run(ctx.IP, e.mmu.integerWords(), e.cfg.NativeStack)
	if err != nil {
		return Value{}, err
	}
	e.mmu.setIntegerWords(c.Stack)
	if err := e.mmu.SelectStack(TypeInteger); err != nil {
		return Value{}, err
	}
	ctx = e.mmu.CurrentContext()
	ctx.IP = c.IP
	ctx.Flags |= FlagExit
	return e.logic.Result(), nil
}

// callout is the trampoline target: it executes one command through the
// interpreter and hands the top of the integer stack back to native code.
func (e *Engine) callout(c *Callout) (int64, bool, error) {
	e.mmu.setIntegerWords(c.Stack)
	if err := e.mmu.SelectStack(TypeInteger); err != nil {
		return 0, false, err
	}
	ctx := e.mmu.CurrentContext()
	ctx.IP = c.IP
	cmd, err := e.mmu.ACommand(c.IP)
	if err != nil {
		return 0, false, err
	}
	if err := e.logic.ExecuteSingleCommand(cmd); err != nil {
		return 0, false, err
	}

	ctx = e.mmu.CurrentContext()
	c.IP = ctx.IP
	c.Exit = ctx.Flags&FlagExit != 0

	if e.mmu.ActiveStack() != TypeInteger && e.mmu.StackSize() > 0 {
		top, err := e.mmu.Top()
		if err != nil {
			return 0, false, err
		}
		if _, err := top.ABI(); err != nil {
			return 0, false, fmt.Errorf("%s: %w", e.logic.DumpCommand(cmd), err)
		}
	}

	words := e.mmu.integerWords()
	if len(words) == 0 {
		c.Stack = words
		return 0, false, nil
	}
	c.Stack = words[:len(words)-1]
	return words[len(words)-1], true, nil
}

// codeView exposes the current buffer's code to the backend.
type codeView struct{ e *Engine }

func (v codeView) CodeLen() uint64 {
	return v.e.mmu.QuerySectionLimits()[SectionCode]
}

func (v codeView) Command(ip uint64) (*Command, error) {
	return v.e.mmu.ACommand(ip)
}

func (v codeView) Traits(op Opcode) (*CommandTraits, error) {
	return v.e.cs.Decode(op)
}

func (v codeView) Overridden(t *CommandTraits) bool {
	return v.e.cs.GetExecutionHandle(t, ModuleUser) != 0
}

func (v codeView) Resolve(ref Reference) (DirectReference, error) {
	return v.e.linker.Resolve(ref)
}
