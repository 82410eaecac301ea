// Package page defines the on-media page header: its byte layout, and the
// one-way flag-transition state machine of spec.md §3(B)/§9. It has no
// knowledge of the OLU, the HAL, or geometry beyond the header's own fixed
// size — everything here is pure encode/decode.
package page

import "encoding/binary"

// HeaderSize is the on-media size of Header: ObjID(4) + SpanIx(4) +
// Flags(1) + pad(3), kept 4-aligned so payload fields that follow never
// need extra padding of their own.
const HeaderSize = 12

// Flags is the page's one-way lifecycle byte (spec.md §3(B)). Each bit
// starts at 1 (erased) and is cleared exactly once; bits are never set
// again without an erase.
type Flags uint8

const (
	// FlagUsed is cleared once the page has been written.
	FlagUsed Flags = 1 << 0
	// FlagFinal is cleared once finalization (the payload write) is
	// complete.
	FlagFinal Flags = 1 << 1
	// FlagIndex is cleared for an object-index page, set for a data page.
	FlagIndex Flags = 1 << 2
	// FlagDelete is cleared when the page is deleted.
	FlagDelete Flags = 1 << 3
	// FlagIxDelete is cleared on an index-header page to mark the whole
	// object as being deleted.
	FlagIxDelete Flags = 1 << 4
)

// AllSet is the erased-page flag value (all lifecycle bits still 1).
const AllSet Flags = FlagUsed | FlagFinal | FlagIndex | FlagDelete | FlagIxDelete

// MarkUsed clears FlagUsed (the page has been written).
func (f *Flags) MarkUsed() { *f &^= FlagUsed }

// Finalize clears FlagFinal (the payload write is complete).
func (f *Flags) Finalize() { *f &^= FlagFinal }

// IsFinalized reports whether FlagFinal has been cleared. Flags are
// one-way, so there is no way to un-finalize a page; a page that must be
// rewritten is replaced by a freshly allocated one.
func (f Flags) IsFinalized() bool { return f&FlagFinal == 0 }

// MarkDataPage clears nothing and sets the bit high (1 = data page); since
// flags are one-way-to-zero, a data page is written with this bit already
// set at allocation time, never changed later.
func (f *Flags) MarkDataPage() { *f |= FlagIndex }

// MarkIndexPage clears FlagIndex (0 = object-index page).
func (f *Flags) MarkIndexPage() { *f &^= FlagIndex }

// MarkDeleted clears FlagDelete.
func (f *Flags) MarkDeleted() { *f &^= FlagDelete }

// MarkIxDeleted clears FlagIxDelete (index header only).
func (f *Flags) MarkIxDeleted() { *f &^= FlagIxDelete }

func (f Flags) IsUsed() bool      { return f&FlagUsed == 0 }
func (f Flags) IsIndexPage() bool { return f&FlagIndex == 0 }
func (f Flags) IsDataPage() bool  { return f&FlagIndex != 0 }
func (f Flags) IsDeleted() bool   { return f&FlagDelete == 0 }
func (f Flags) IsIxDeleted() bool { return f&FlagIxDelete == 0 }

// Header is the fixed-size struct stored at the start of every page.
type Header struct {
	ObjID  uint32 // common.ObjID, kept as a raw uint32 to avoid an import cycle
	SpanIx uint32 // common.SpanIx
	Flags  Flags
}

// Encode writes h into a HeaderSize-length buffer, little-endian.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.ObjID)
	binary.LittleEndian.PutUint32(buf[4:8], h.SpanIx)
	buf[8] = byte(h.Flags)
	// buf[9:12] left as zero padding; a freshly-allocated header on an
	// erased page would actually read 0xFF here until first write, but
	// the padding bytes are never interpreted.
	return buf
}

// Decode parses a HeaderSize-length buffer into a Header.
func Decode(buf []byte) Header {
	return Header{
		ObjID:  binary.LittleEndian.Uint32(buf[0:4]),
		SpanIx: binary.LittleEndian.Uint32(buf[4:8]),
		Flags:  Flags(buf[8]),
	}
}
