package vm

import "io"

// FileKind is the form of program input a Reader negotiated.
type FileKind uint8

const (
	FileUnknown FileKind = iota
	// FileBinary is an absolute image: typed sections with record counts.
	FileBinary
	// FileStream is a streamed form decoded unit by unit and linked as it
	// goes.
	FileStream
)

func (k FileKind) String() string {
	switch k {
	case FileBinary:
		return "binary"
	case FileStream:
		return "stream"
	}
	return "unknown"
}

// DecodeResult is one streamed unit: the symbols it mentions or defines
// and the records it contributes. Defined symbols with AUTO addresses are
// placed relative to the section sizes before the unit's records are
// appended.
type DecodeResult struct {
	Symbols  []Symbol
	Code     []Command
	Data     []Value
	Bytepool []byte
}

// Reader ingests a program. Binary readers report sections through
// NextSection, which returns io.EOF after the last one; stream readers
// produce units through ReadStream, which also ends with io.EOF.
type Reader interface {
	Setup(src io.Reader) (FileKind, error)
	NextSection() (Section, int, error)
	ReadSymbols() (SymbolMap, error)
	ReadSectionImage() (any, error)
	ReadStream() (*DecodeResult, error)
	Reset()
}

// Writer serializes a buffer.
type Writer interface {
	Setup(dst io.Writer) error
	Write(m *MMU, id BufferID) error
	Reset()
}

// BufferImage is a copy of a buffer's sections.
type BufferImage struct {
	Code     []Command
	Data     []Value
	Bytepool []byte
	Symbols  SymbolMap
}

// Image copies the sections of the current buffer.
func (m *MMU) Image() BufferImage {
	b := m.cur()
	img := BufferImage{
		Code:     make([]Command, len(b.code)),
		Data:     append([]Value(nil), b.data...),
		Bytepool: append([]byte(nil), b.bytepool...),
		Symbols:  b.symbols.Clone(),
	}
	for i, c := range b.code {
		c.Invalidate()
		img.Code[i] = c
	}
	return img
}
