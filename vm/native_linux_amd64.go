//go:build linux && amd64

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const nativeSupported = true

// execMemory is an anonymous mapping that is writable until Seal and
// executable after it. It is never writable and executable at once.
type execMemory struct {
	mem    []byte
	used   int
	sealed bool
}

func newExecMemory(size int) (*execMemory, error) {
	page := unix.Getpagesize()
	length := (size + page - 1) / page * page
	if length == 0 {
		length = page
	}
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	return &execMemory{mem: mem}, nil
}

// Write appends code. It fails once the mapping is sealed.
func (m *execMemory) Write(code []byte) error {
	if m.sealed {
		return fmt.Errorf("write to sealed code mapping")
	}
	if m.used+len(code) > len(m.mem) {
		return fmt.Errorf("code mapping full: %d of %d bytes used, %d more", m.used, len(m.mem), len(code))
	}
	m.used += copy(m.mem[m.used:], code)
	return nil
}

// Seal makes the mapping read-only and executable. It may be called once.
func (m *execMemory) Seal() error {
	if m.sealed {
		return fmt.Errorf("code mapping already sealed")
	}
	if err := unix.Mprotect(m.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	m.sealed = true
	return nil
}

// Release unmaps the memory.
func (m *execMemory) Release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// callNative calls the code at entry with frame in RDI. Implemented in
// native_linux_amd64.s.
//
//go:noescape
func callNative(entry uintptr, frame unsafe.Pointer)

func enterNative(m *execMemory, offset uint32, frame []uint64) {
	callNative(uintptr(unsafe.Pointer(&m.mem[0]))+uintptr(offset), unsafe.Pointer(&frame[0]))
}
