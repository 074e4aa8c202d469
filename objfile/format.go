// Package objfile implements the procvm absolute image format: a CBOR
// sequence of one header followed by section records.
//
// Every record carries the section kind, its record count, the CBOR
// payload of the records and an xxh3 checksum of that payload. Readers
// reject images whose header, checksums or counts do not match.
package objfile

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/chazu/procvm/vm"
)

const (
	// Magic opens every image.
	Magic = "PVMI"
	// Version is the format revision this package reads and writes.
	Version = 1
)

// header is the first item of an image.
type header struct {
	Magic   string    `cbor:"1,keyasint"`
	Version uint16    `cbor:"2,keyasint"`
	ID      uuid.UUID `cbor:"3,keyasint"`
}

// record is one section of an image.
type record struct {
	Kind    vm.Section      `cbor:"1,keyasint"`
	Count   int             `cbor:"2,keyasint"`
	Payload cbor.RawMessage `cbor:"3,keyasint"`
	Sum     uint64          `cbor:"4,keyasint"`
}

// maxRecords bounds the records of one section and the entries of the
// symbol map. The decoder's defaults are far below what a writer emits.
const maxRecords = math.MaxInt32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// magicPrefix is how every canonical header starts: the map header,
	// key 1 and the magic string.
	magicPrefix []byte
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("objfile: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxArrayElements: maxRecords,
		MaxMapPairs:      maxRecords,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("objfile: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm

	b, err := em.Marshal(header{Magic: Magic, Version: Version})
	if err != nil {
		panic(fmt.Sprintf("objfile: failed to encode header: %v", err))
	}
	magicPrefix = b[:3+len(Magic)]
}

// SniffLen is how many leading bytes IsImage needs.
func SniffLen() int {
	return len(magicPrefix)
}

// IsImage reports whether prefix starts a procvm image.
func IsImage(prefix []byte) bool {
	if len(prefix) < len(magicPrefix) {
		return false
	}
	for i, b := range magicPrefix {
		if prefix[i] != b {
			return false
		}
	}
	return true
}

func newRecord(kind vm.Section, count int, records any) (*record, error) {
	payload, err := encMode.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("objfile: encode %s: %w", kind, err)
	}
	return &record{Kind: kind, Count: count, Payload: payload, Sum: xxh3.Hash(payload)}, nil
}

func malformed(format string, args ...any) error {
	return &vm.StructuralError{Op: "objfile", Msg: fmt.Sprintf(format, args...)}
}
