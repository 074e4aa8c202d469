//go:build !(linux && amd64)

package vm

const nativeSupported = false

// execMemory is unavailable off linux/amd64; every image compiles but
// cannot be mapped, so the engine interprets.
type execMemory struct{}

func newExecMemory(size int) (*execMemory, error) {
	return nil, ErrNativeUnsupported
}

func (m *execMemory) Write(code []byte) error { return ErrNativeUnsupported }
func (m *execMemory) Seal() error             { return ErrNativeUnsupported }
func (m *execMemory) Release() error          { return nil }

func enterNative(m *execMemory, offset uint32, frame []uint64) {
	frame[frameStatus] = statusFault
}
