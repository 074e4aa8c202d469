package objfile

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/procvm/vm"
)

// Writer is the vm.Writer producing procvm images. Each written image
// gets a fresh identity.
type Writer struct {
	enc *cbor.Encoder
	id  uuid.UUID
	log commonlog.Logger
}

// NewWriter creates an image writer.
func NewWriter() *Writer {
	return &Writer{log: commonlog.GetLogger("procvm.objfile")}
}

// ID returns the identity of the last image written.
func (w *Writer) ID() uuid.UUID {
	return w.id
}

// Setup directs the image to dst.
func (w *Writer) Setup(dst io.Writer) error {
	if dst == nil {
		return fmt.Errorf("objfile: no destination for the image")
	}
	w.enc = encMode.NewEncoder(dst)
	return nil
}

// Reset drops the destination.
func (w *Writer) Reset() {
	w.enc = nil
}

// Write stores the CODE, DATA, BYTEPOOL and SYMBOL_MAP sections of buffer
// id. Empty sections are left out.
func (w *Writer) Write(m *vm.MMU, id vm.BufferID) error {
	if w.enc == nil {
		return fmt.Errorf("objfile: writer is not set up")
	}
	var img vm.BufferImage
	err := m.WithTemporaryContext(id, func() error {
		img = m.Image()
		return nil
	})
	if err != nil {
		return err
	}

	w.id = uuid.New()
	if err := w.enc.Encode(header{Magic: Magic, Version: Version, ID: w.id}); err != nil {
		return fmt.Errorf("objfile: write header: %w", err)
	}

	sections := []struct {
		kind    vm.Section
		count   int
		records any
	}{
		{vm.SectionCode, len(img.Code), img.Code},
		{vm.SectionData, len(img.Data), img.Data},
		{vm.SectionBytepool, len(img.Bytepool), img.Bytepool},
		{vm.SectionSymbolMap, len(img.Symbols), img.Symbols},
	}
	for _, s := range sections {
		if s.count == 0 {
			continue
		}
		rec, err := newRecord(s.kind, s.count, s.records)
		if err != nil {
			return err
		}
		if err := w.enc.Encode(rec); err != nil {
			return fmt.Errorf("objfile: write %s: %w", s.kind, err)
		}
	}
	w.log.Infof("wrote image %s of buffer %d", w.id, id)
	return nil
}
