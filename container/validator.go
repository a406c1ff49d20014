// Package container decides whether a downloaded prefix of an ISO base media
// file (MP4, MOV, M4A) holds a complete top-level metadata box.
//
// A player cannot initialize until the metadata box ("moov") is fully
// available. Files whose metadata sits after the media data can only be
// played once fully downloaded; the validator reports those as not found
// once the scan passes its byte budget.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MetadataBoxType is the top-level box that carries codec, duration and
// sample tables.
const MetadataBoxType = "moov"

// DefaultMaxScanBytes is the default scan budget.
const DefaultMaxScanBytes int64 = 8 << 20

const (
	headerSize         = 8
	extendedHeaderSize = 16
)

// Status is the outcome of a validation pass.
type Status int

const (
	// StatusSearching means the metadata box has not been seen yet and more
	// bytes may reveal it. A reader failure also reports this status, with
	// Malformed set and Need zero: the same prefix is worth another pass.
	StatusSearching Status = iota

	// StatusPending means the metadata box was found but is not fully
	// available yet.
	StatusPending

	// StatusComplete means the metadata box is fully available.
	StatusComplete

	// StatusNotFound means the metadata box cannot appear within the scan
	// budget, or a box header is malformed. This is permanent for the file.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSearching:
		return "searching"
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Box describes one top-level box.
type Box struct {
	Type       string
	Offset     int64
	Size       int64 // declared size including the header
	HeaderSize int64
	ToEOF      bool // declared size 0: extends to the end of the data
}

// End returns the offset one past the last byte of the box.
func (b Box) End() int64 {
	return b.Offset + b.Size
}

// Result is returned by Validate.
type Result struct {
	Status Status

	// Box is the metadata box when Status is Pending or Complete.
	Box Box

	// Need is the prefix length that lets the next pass make progress.
	// Zero when Status is Complete or NotFound.
	Need int64

	// Scanned is the offset where the scan stopped.
	Scanned int64

	// Malformed is set when a box header could not be read or interpreted.
	Malformed bool
}

// Validator scans sequential top-level boxes. It performs no I/O of its own
// beyond the reader it is given and never returns an error.
type Validator struct {
	maxScan int64
	boxType string
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxScanBytes sets how far the scan may go without finding the
// metadata box before giving up.
func WithMaxScanBytes(n int64) Option {
	return func(v *Validator) {
		v.maxScan = n
	}
}

// WithBoxType overrides the metadata box type. Types shorter or longer than
// four bytes never match.
func WithBoxType(t string) Option {
	return func(v *Validator) {
		v.boxType = t
	}
}

// New returns a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		maxScan: DefaultMaxScanBytes,
		boxType: MetadataBoxType,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxScan <= 0 {
		v.maxScan = DefaultMaxScanBytes
	}
	return v
}

// ValidateBytes validates an in-memory prefix.
func (v *Validator) ValidateBytes(prefix []byte) Result {
	return v.Validate(bytes.NewReader(prefix), int64(len(prefix)))
}

// Validate scans the first available bytes of r.
func (v *Validator) Validate(r io.ReaderAt, available int64) (res Result) {
	defer func() {
		// a misbehaving reader must not take down the poll loop
		if p := recover(); p != nil {
			res = Result{Status: StatusSearching, Malformed: true}
		}
	}()

	var off int64
	for {
		if off >= v.maxScan {
			return Result{Status: StatusNotFound, Scanned: off}
		}

		box, need, hs := readBox(r, off, available)
		switch hs {
		case headerShort:
			return Result{Status: StatusSearching, Scanned: off, Need: need}
		case headerUnreadable:
			return Result{Status: StatusSearching, Scanned: off, Malformed: true}
		case headerMalformed:
			return Result{Status: StatusNotFound, Scanned: off, Malformed: true}
		}

		if box.Type == v.boxType {
			if box.End() <= available {
				return Result{Status: StatusComplete, Box: box, Scanned: off}
			}
			return Result{Status: StatusPending, Box: box, Scanned: off, Need: box.End()}
		}
		if box.ToEOF {
			// nothing can follow a box that runs to the end of the file
			return Result{Status: StatusNotFound, Scanned: off}
		}
		off = box.End()
	}
}

// Boxes returns the top-level boxes whose headers lie within the first
// available bytes of r, stopping at the first header that is missing or
// malformed.
func Boxes(r io.ReaderAt, available int64) []Box {
	var boxes []Box
	var off int64
	for off < available {
		box, _, hs := readBox(r, off, available)
		if hs != headerOK {
			break
		}
		boxes = append(boxes, box)
		if box.ToEOF {
			break
		}
		off = box.End()
	}
	return boxes
}

type headerState int

const (
	headerOK headerState = iota
	headerShort
	headerUnreadable
	headerMalformed
)

// readBox parses the header at off. When the header is not fully available
// it returns headerShort with need set to the prefix length required.
func readBox(r io.ReaderAt, off, available int64) (Box, int64, headerState) {
	if off > math.MaxInt64-extendedHeaderSize {
		return Box{}, 0, headerMalformed
	}
	if off+headerSize > available {
		return Box{}, off + headerSize, headerShort
	}

	var hdr [extendedHeaderSize]byte
	if !readFull(r, hdr[:headerSize], off) {
		return Box{}, 0, headerUnreadable
	}
	box := Box{
		Type:       string(hdr[4:8]),
		Offset:     off,
		HeaderSize: headerSize,
	}

	switch size := binary.BigEndian.Uint32(hdr[:4]); size {
	case 1:
		if off+extendedHeaderSize > available {
			return Box{}, off + extendedHeaderSize, headerShort
		}
		if !readFull(r, hdr[headerSize:], off+headerSize) {
			return Box{}, 0, headerUnreadable
		}
		ext := binary.BigEndian.Uint64(hdr[headerSize:])
		if ext > math.MaxInt64 {
			return Box{}, 0, headerMalformed
		}
		box.Size = int64(ext)
		box.HeaderSize = extendedHeaderSize
	case 0:
		box.Size = available - off
		box.ToEOF = true
	default:
		box.Size = int64(size)
	}

	if box.Size < box.HeaderSize || off > math.MaxInt64-box.Size {
		return Box{}, 0, headerMalformed
	}
	return box, 0, headerOK
}

func readFull(r io.ReaderAt, p []byte, off int64) bool {
	n, _ := r.ReadAt(p, off)
	return n == len(p)
}
