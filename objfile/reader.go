package objfile

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"

	"github.com/chazu/procvm/vm"
)

// Reader is the binary vm.Reader for procvm images.
type Reader struct {
	dec     *cbor.Decoder
	id      uuid.UUID
	pending *record
	log     commonlog.Logger
}

// NewReader creates an image reader.
func NewReader() *Reader {
	return &Reader{log: commonlog.GetLogger("procvm.objfile")}
}

// ID returns the identity recorded in the image header.
func (r *Reader) ID() uuid.UUID {
	return r.id
}

// Setup reads and checks the header.
func (r *Reader) Setup(src io.Reader) (vm.FileKind, error) {
	r.dec = decMode.NewDecoder(src)
	var h header
	if err := r.dec.Decode(&h); err != nil {
		return vm.FileUnknown, malformed("reading header: %v", err)
	}
	if h.Magic != Magic {
		return vm.FileUnknown, malformed("bad magic %q", h.Magic)
	}
	if h.Version != Version {
		return vm.FileUnknown, malformed("unsupported version %d", h.Version)
	}
	r.id = h.ID
	r.log.Debugf("reading image %s", h.ID)
	return vm.FileBinary, nil
}

// NextSection reads the next record header. It returns io.EOF after the
// last record.
func (r *Reader) NextSection() (vm.Section, int, error) {
	if r.dec == nil {
		return 0, 0, malformed("reader is not set up")
	}
	var rec record
	err := r.dec.Decode(&rec)
	if errors.Is(err, io.EOF) {
		return 0, 0, io.EOF
	}
	if err != nil {
		return 0, 0, malformed("reading section: %v", err)
	}
	switch rec.Kind {
	case vm.SectionCode, vm.SectionData, vm.SectionBytepool, vm.SectionSymbolMap:
	default:
		return 0, 0, malformed("%s is not a stored section", rec.Kind)
	}
	if rec.Count < 0 {
		return 0, 0, malformed("%s has a negative count", rec.Kind)
	}
	if sum := xxh3.Hash(rec.Payload); sum != rec.Sum {
		return 0, 0, malformed("%s checksum %016x, stored %016x", rec.Kind, sum, rec.Sum)
	}
	r.pending = &rec
	r.log.Debugf("section %s: %d records, %d bytes", rec.Kind, rec.Count, len(rec.Payload))
	return rec.Kind, rec.Count, nil
}

// ReadSymbols decodes a pending SYMBOL_MAP record.
func (r *Reader) ReadSymbols() (vm.SymbolMap, error) {
	rec, err := r.take(vm.SectionSymbolMap)
	if err != nil {
		return nil, err
	}
	var syms vm.SymbolMap
	if err := decMode.Unmarshal(rec.Payload, &syms); err != nil {
		return nil, malformed("decoding symbols: %v", err)
	}
	if syms == nil {
		syms = vm.SymbolMap{}
	}
	return syms, nil
}

// ReadSectionImage decodes a pending CODE, DATA or BYTEPOOL record into
// []vm.Command, []vm.Value or []byte.
func (r *Reader) ReadSectionImage() (any, error) {
	if r.pending == nil {
		return nil, malformed("no section is pending")
	}
	rec, err := r.take(r.pending.Kind)
	if err != nil {
		return nil, err
	}

	var img any
	var n int
	switch rec.Kind {
	case vm.SectionCode:
		var code []vm.Command
		err = decMode.Unmarshal(rec.Payload, &code)
		img, n = code, len(code)
	case vm.SectionData:
		var data []vm.Value
		err = decMode.Unmarshal(rec.Payload, &data)
		img, n = data, len(data)
	case vm.SectionBytepool:
		var pool []byte
		err = decMode.Unmarshal(rec.Payload, &pool)
		img, n = pool, len(pool)
	default:
		return nil, malformed("%s has no section image", rec.Kind)
	}
	if err != nil {
		return nil, malformed("decoding %s: %v", rec.Kind, err)
	}
	if n != rec.Count {
		return nil, malformed("%s holds %d records, header says %d", rec.Kind, n, rec.Count)
	}
	return img, nil
}

func (r *Reader) take(kind vm.Section) (*record, error) {
	rec := r.pending
	if rec == nil || rec.Kind != kind {
		return nil, malformed("no %s section is pending", kind)
	}
	r.pending = nil
	return rec, nil
}

// ReadStream is not used by binary input.
func (r *Reader) ReadStream() (*vm.DecodeResult, error) { return nil, io.EOF }

// Reset drops the source.
func (r *Reader) Reset() {
	r.dec = nil
	r.pending = nil
}
