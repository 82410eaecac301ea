// Package geometry computes the fixed layout constants derived from a
// volume's page size, block size and block count: LU_PAGES, DATA_PAGES,
// and the number of page_ix entries that fit in an index header page and
// in a chained index page.
package geometry

import (
	"fmt"
)

// OLUEntrySize is the on-media width of one object-lookup slot, in bytes.
// Fixed at 4 (see DESIGN.md's resolution of the obj_id-width ambiguity):
// the last two slots of a block's final LU page are reserved for
// erase_count and magic, both stored at this same width.
const OLUEntrySize = 4

// PageIxEntrySize is the width of one page_ix entry inside an index
// header/page payload.
const PageIxEntrySize = 4

// Geometry holds the fixed-at-mount layout constants of spec.md §3.
type Geometry struct {
	PageSize   uint32 // P
	BlockSize  uint32 // B
	BlockCount uint32
	NameLen    uint32 // NAME_LEN, including the trailing NUL
	MetaLen    uint32 // META_LEN, 0 disables the metadata blob

	LUPages     uint32 // object-lookup pages per block
	DataPages   uint32 // data pages per block
	ObjHdrIxLen uint32 // page_ix entries carried by the header page
	ObjIxLen    uint32 // page_ix entries carried by a chained index page

	PageHeaderSize uint32 // on-media size of page.Header
}

// New validates P/B/block_count and derives LU_PAGES, DATA_PAGES,
// OBJ_HDR_IX_LEN and OBJ_IX_LEN per spec.md §3/§6.
func New(pageSize, blockSize, blockCount, nameLen, metaLen uint32, pageHeaderSize uint32) (Geometry, error) {
	g := Geometry{
		PageSize:       pageSize,
		BlockSize:      blockSize,
		BlockCount:     blockCount,
		NameLen:        nameLen,
		MetaLen:        metaLen,
		PageHeaderSize: pageHeaderSize,
	}

	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return Geometry{}, fmt.Errorf("geometry: page size %d is not a power of two", pageSize)
	}
	if blockSize == 0 || blockSize%pageSize != 0 {
		return Geometry{}, fmt.Errorf("geometry: block size %d is not a multiple of page size %d", blockSize, pageSize)
	}
	if blockCount < 3 {
		return Geometry{}, fmt.Errorf("geometry: block_count must be >= 3, got %d", blockCount)
	}

	pagesPerBlock := blockSize / pageSize
	luPages := ceilDiv(pagesPerBlock*OLUEntrySize, pageSize)
	if luPages < 1 {
		luPages = 1
	}
	if luPages >= pagesPerBlock {
		return Geometry{}, fmt.Errorf("geometry: LU_PAGES (%d) leaves no data pages in a %d-page block", luPages, pagesPerBlock)
	}

	dataPages := pagesPerBlock - luPages
	totalOLUSlots := luPages * (pageSize / OLUEntrySize)
	if totalOLUSlots < dataPages+2 {
		return Geometry{}, fmt.Errorf("geometry: no room for erase_count/magic slots (have %d OLU slots, need %d)", totalOLUSlots, dataPages+2)
	}

	g.LUPages = luPages
	g.DataPages = dataPages

	// Index header page payload, after the page header:
	// pad(already 4-aligned) + size(4) + type(1) + name[NameLen] + meta[MetaLen] + page_ix[...]
	fixedHdrFields := 4 + 1 + nameLen + metaLen
	if pageSize < pageHeaderSize+fixedHdrFields+PageIxEntrySize {
		return Geometry{}, fmt.Errorf("geometry: page size %d too small for header fields (%d bytes) plus at least one index entry", pageSize, fixedHdrFields)
	}
	g.ObjHdrIxLen = (pageSize - pageHeaderSize - fixedHdrFields) / PageIxEntrySize

	// Chained index page payload, after the page header: page_ix[...]
	g.ObjIxLen = (pageSize - pageHeaderSize) / PageIxEntrySize
	if g.ObjIxLen == 0 {
		return Geometry{}, fmt.Errorf("geometry: page size %d too small to hold any index entries", pageSize)
	}

	return g, nil
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// DataSpanLocation resolves a data_span_ix to either the header page (ok
// header) or a chained index page number (1-based) and an offset within
// it, per spec.md §3(D).
func (g Geometry) DataSpanLocation(dataSpanIx uint32) (inHeader bool, indexSpan uint32, offset uint32) {
	if dataSpanIx < g.ObjHdrIxLen {
		return true, 0, dataSpanIx
	}
	rem := dataSpanIx - g.ObjHdrIxLen
	indexSpan = rem/g.ObjIxLen + 1
	offset = rem % g.ObjIxLen
	return false, indexSpan, offset
}

// DataPageSize is the payload capacity of one data page: P minus the page
// header.
func (g Geometry) DataPageSize() uint32 {
	return g.PageSize - g.PageHeaderSize
}

// TotalDataPages is the number of data pages usable for objects, excluding
// the two spare blocks the GC keeps in reserve (spec.md I3).
func (g Geometry) TotalDataPages() uint32 {
	if g.BlockCount < 2 {
		return 0
	}
	return g.DataPages * (g.BlockCount - 2)
}
