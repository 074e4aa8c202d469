package vm

// Executor runs the commands bound to it. Handles are issued by the
// engine as 1 + the mnemonic's index in Supported.
type Executor interface {
	Kind() ExecutorKind
	Supported() []string
	Execute(l *Logic, h Handle, cmd *Command) error
	ResetImplementations()
}

type operation struct {
	mnemonic string
	fn       func(l *Logic, cmd *Command) error
}

// tableExecutor dispatches handles through a table of operations.
type tableExecutor struct {
	kind    ExecutorKind
	catalog func() []operation
	ops     []operation
}

func (e *tableExecutor) Kind() ExecutorKind { return e.kind }

func (e *tableExecutor) Supported() []string {
	names := make([]string, len(e.ops))
	for i, op := range e.ops {
		names[i] = op.mnemonic
	}
	return names
}

func (e *tableExecutor) Execute(l *Logic, h Handle, cmd *Command) error {
	if h == 0 || int(h) > len(e.ops) {
		return execf("dispatch", "%s executor has no handle %d", e.kind, h)
	}
	return e.ops[h-1].fn(l, cmd)
}

// ResetImplementations rebuilds the operation table.
func (e *tableExecutor) ResetImplementations() {
	e.ops = e.catalog()
}

func newTableExecutor(kind ExecutorKind, catalog func() []operation) *tableExecutor {
	e := &tableExecutor{kind: kind, catalog: catalog}
	e.ResetImplementations()
	return e
}

// NewIntegerExecutor returns the executor for integer-typed commands.
func NewIntegerExecutor() Executor {
	return newTableExecutor(ExecInteger, func() []operation {
		return append(typedOperations(),
			binaryOp("and", Value.And),
			binaryOp("or", Value.Or),
			binaryOp("xor", Value.Xor),
		)
	})
}

// NewFloatExecutor returns the executor for float-typed commands.
func NewFloatExecutor() Executor {
	return newTableExecutor(ExecFloat, typedOperations)
}

// NewServiceExecutor returns the executor for type-independent commands.
func NewServiceExecutor() Executor {
	return newTableExecutor(ExecService, serviceOperations)
}

// ---------------------------------------------------------------------------
// Typed operations
// ---------------------------------------------------------------------------

func typedOperations() []operation {
	return []operation{
		{"push", func(l *Logic, cmd *Command) error {
			return l.Push(cmd.Value.Convert(cmd.Type))
		}},
		{"pop", func(l *Logic, cmd *Command) error {
			_, err := l.Pop(cmd.Type)
			return err
		}},
		{"dup", func(l *Logic, cmd *Command) error {
			v, err := l.Top(cmd.Type)
			if err != nil {
				return err
			}
			return l.Push(v)
		}},
		{"ld", func(l *Logic, cmd *Command) error {
			v, err := l.Read(cmd.Ref)
			if err != nil {
				return err
			}
			return l.Push(v.Convert(cmd.Type))
		}},
		{"st", func(l *Logic, cmd *Command) error {
			v, err := l.Pop(cmd.Type)
			if err != nil {
				return err
			}
			return l.Write(cmd.Ref, v)
		}},
		{"ctype", func(l *Logic, cmd *Command) error {
			return l.UpdateType(cmd.Ref, cmd.Type)
		}},
		binaryOp("add", Value.Add),
		binaryOp("sub", Value.Sub),
		binaryOp("mul", Value.Mul),
		binaryOp("div", Value.Div),
		{"neg", func(l *Logic, cmd *Command) error {
			v, err := l.Pop(cmd.Type)
			if err != nil {
				return err
			}
			r, err := v.Neg()
			if err != nil {
				return err
			}
			return l.Push(r)
		}},
		{"cmp", func(l *Logic, cmd *Command) error {
			a, b, err := popPair(l, cmd.Type)
			if err != nil {
				return err
			}
			r, err := a.Sub(b)
			if err != nil {
				return err
			}
			l.Analyze(r)
			return nil
		}},
		{"test", func(l *Logic, cmd *Command) error {
			v, err := l.Top(cmd.Type)
			if err != nil {
				return err
			}
			l.Analyze(v)
			return nil
		}},
	}
}

// popPair pops b then a.
func popPair(l *Logic, t ValueType) (a, b Value, err error) {
	if b, err = l.Pop(t); err != nil {
		return
	}
	a, err = l.Pop(t)
	return
}

func binaryOp(mnemonic string, fn func(a, b Value) (Value, error)) operation {
	return operation{mnemonic, func(l *Logic, cmd *Command) error {
		a, b, err := popPair(l, cmd.Type)
		if err != nil {
			return err
		}
		r, err := fn(a, b)
		if err != nil {
			return err
		}
		return l.Push(r)
	}}
}

// ---------------------------------------------------------------------------
// Service operations
// ---------------------------------------------------------------------------

func serviceOperations() []operation {
	return []operation{
		{"lea", func(l *Logic, cmd *Command) error {
			d, err := l.Resolve(cmd.Ref)
			if err != nil {
				return err
			}
			return l.Push(Int(int64(d.Address)))
		}},
		jumpOp("jmp", func(Flags) bool { return true }),
		jumpOp("je", func(f Flags) bool { return f&FlagZero != 0 }),
		jumpOp("jne", func(f Flags) bool { return f&FlagZero == 0 }),
		jumpOp("ja", func(f Flags) bool { return f&(FlagZero|FlagNegative) == 0 }),
		jumpOp("jae", func(f Flags) bool { return f&FlagNegative == 0 }),
		jumpOp("jb", func(f Flags) bool { return f&FlagNegative != 0 }),
		jumpOp("jbe", func(f Flags) bool { return f&(FlagZero|FlagNegative) != 0 }),
		{"call", func(l *Logic, cmd *Command) error {
			target, err := codeTarget(l, cmd)
			if err != nil {
				return err
			}
			return l.mmu.Call(target)
		}},
		{"ret", func(l *Logic, cmd *Command) error {
			return l.mmu.Return()
		}},
		{"quit", func(l *Logic, cmd *Command) error {
			l.mmu.CurrentContext().Flags |= FlagExit
			return nil
		}},
		{"syscall", func(l *Logic, cmd *Command) error {
			return l.Syscall(cmd.Value.Int)
		}},
	}
}

func codeTarget(l *Logic, cmd *Command) (uint64, error) {
	d, err := l.Resolve(cmd.Ref)
	if err != nil {
		return 0, err
	}
	if d.Section != SectionCode {
		return 0, execf("jump", "target %s is not in CODE", d)
	}
	return d.Address, nil
}

// jumpOp builds a jump taken when cond holds. Conditional jumps refuse to
// branch on an invalid float classification.
func jumpOp(mnemonic string, cond func(Flags) bool) operation {
	conditional := mnemonic != "jmp"
	return operation{mnemonic, func(l *Logic, cmd *Command) error {
		ctx := l.mmu.CurrentContext()
		if conditional && ctx.Flags&FlagInvalidFP != 0 {
			return execf(mnemonic, "condition is undefined: last comparison produced NaN or infinity")
		}
		if !cond(ctx.Flags) {
			return nil
		}
		target, err := codeTarget(l, cmd)
		if err != nil {
			return err
		}
		ctx.IP = target
		ctx.Flags |= FlagWasJump
		return nil
	}}
}
