// Package testutil builds synthetic ISO base media files for tests.
package testutil

import (
	"encoding/binary"
)

// Box returns a top-level box with a 32-bit size header and payloadLen
// bytes of deterministic payload.
func Box(boxType string, payloadLen int) []byte {
	b := make([]byte, 8+payloadLen)
	binary.BigEndian.PutUint32(b[:4], uint32(8+payloadLen)) //nolint:gosec // test sizes fit
	copy(b[4:8], boxType)
	fillPayload(b[8:], boxType)
	return b
}

// ExtendedBox returns a box that declares size 1 and carries its size in a
// 64-bit extended field.
func ExtendedBox(boxType string, payloadLen int) []byte {
	b := make([]byte, 16+payloadLen)
	binary.BigEndian.PutUint32(b[:4], 1)
	copy(b[4:8], boxType)
	binary.BigEndian.PutUint64(b[8:16], uint64(16+payloadLen)) //nolint:gosec // test sizes fit
	fillPayload(b[16:], boxType)
	return b
}

// OpenBox returns a box that declares size 0 (extends to end of file).
func OpenBox(boxType string, payloadLen int) []byte {
	b := make([]byte, 8+payloadLen)
	copy(b[4:8], boxType)
	fillPayload(b[8:], boxType)
	return b
}

// Header returns a raw 8-byte header declaring size for boxType.
func Header(boxType string, size uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], size)
	copy(b[4:8], boxType)
	return b
}

// FastStartMovie returns ftyp, moov, mdat in that order, with the metadata
// box ahead of the media data.
func FastStartMovie(moovPayload, mdatPayload int) []byte {
	return concat(Box("ftyp", 16), Box("moov", moovPayload), Box("mdat", mdatPayload))
}

// TrailingMovie returns ftyp, mdat, moov: metadata after the media data.
func TrailingMovie(moovPayload, mdatPayload int) []byte {
	return concat(Box("ftyp", 16), Box("mdat", mdatPayload), Box("moov", moovPayload))
}

// MoovOffset returns the offset of the first moov box produced by the movie
// builders for the given layout.
func MoovOffset(faststart bool, mdatPayload int) int64 {
	ftyp := int64(8 + 16)
	if faststart {
		return ftyp
	}
	return ftyp + int64(8+mdatPayload)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func fillPayload(b []byte, boxType string) {
	var seed byte
	for i := 0; i < len(boxType); i++ {
		seed += boxType[i]
	}
	for i := range b {
		b[i] = seed + byte(i%239)
	}
}
