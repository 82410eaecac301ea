// Package common holds the identifiers, error taxonomy and event types
// shared by every psramfs subsystem: the object-lookup engine, page
// primitives, the object index manager, the cache, the FD table, GC, and
// mount/check. Nothing here touches the HAL or media layout directly.
package common

// ObjID identifies an object. The width is fixed at 32 bits for this
// build (the spec permits choosing the width "at build"); the high bit is
// the INDEX flag distinguishing object-index pages from data pages.
type ObjID uint32

const (
	// IndexFlag marks an ObjID as referring to an object-index page rather
	// than a data page.
	IndexFlag ObjID = 1 << 31

	// FreeID marks an object-lookup slot that has never been written
	// since the owning block was last erased.
	FreeID ObjID = 0xFFFFFFFF

	// DeletedID marks an object-lookup slot whose page has been reclaimed.
	DeletedID ObjID = 0x00000000
)

// IsFree reports whether id is the FREE sentinel.
func (id ObjID) IsFree() bool { return id == FreeID }

// IsDeleted reports whether id is the DELETED sentinel.
func (id ObjID) IsDeleted() bool { return id == DeletedID }

// IsLive reports whether id refers to a live object (neither FREE nor
// DELETED).
func (id ObjID) IsLive() bool { return !id.IsFree() && !id.IsDeleted() }

// IsIndex reports whether id's high bit marks it as an object-index id.
func (id ObjID) IsIndex() bool { return id&IndexFlag != 0 }

// Bare strips the INDEX flag, returning the id shared by a header page and
// its data pages.
func (id ObjID) Bare() ObjID { return id &^ IndexFlag }

// WithIndexFlag sets the INDEX flag on id.
func (id ObjID) WithIndexFlag() ObjID { return id | IndexFlag }

// PageIx is an absolute page index within the volume.
type PageIx int64

// NoPage is the sentinel for "no page" (an unresolved index entry, or "no
// destination yet" in a move).
const NoPage PageIx = -1

// SpanIx is the 0-based sequence number of a page within one object.
type SpanIx int64

// BlockIx is a block index within the volume.
type BlockIx int64

// EntryIx is an object-lookup entry index within one block (equivalently,
// the data-page slot within the block).
type EntryIx int64

// ObjType is the object-index header's declared object type.
type ObjType uint8

const (
	ObjTypeFile ObjType = iota
	ObjTypeDir
)

// UndefinedSize is the declared-size sentinel meaning "length not yet
// known" (an object whose header was created but never sized).
const UndefinedSize uint32 = 0xFFFFFFFF
