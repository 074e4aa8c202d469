package vm

// Config holds engine limits and switches.
type Config struct {
	// JIT enables native compilation before Exec.
	JIT bool

	// MaxBuffers is the number of context buffer slots, buffer 0 included.
	MaxBuffers int

	// StackLimit is the maximum number of slots per logical stack.
	StackLimit int

	// CallDepth is the maximum nesting of call.
	CallDepth int

	// NativeStack is the number of integer slots in a native run's frame.
	NativeStack int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		JIT:         false,
		MaxBuffers:  16,
		StackLimit:  1 << 16,
		CallDepth:   1024,
		NativeStack: 4096,
	}
}

// normalize replaces unset limits with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxBuffers < 1 {
		c.MaxBuffers = d.MaxBuffers
	}
	if c.StackLimit < 1 {
		c.StackLimit = d.StackLimit
	}
	if c.CallDepth < 1 {
		c.CallDepth = d.CallDepth
	}
	if c.NativeStack < 1 {
		c.NativeStack = d.NativeStack
	}
	return c
}
