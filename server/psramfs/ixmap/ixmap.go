// Package ixmap implements the optional index-map accelerator of spec.md
// §4.9: a per-fd cache of resolved page_ixs for a contiguous data-span
// range, so a sequential read over that range skips the OLU seek entirely.
package ixmap

import (
	"context"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
)

// invalidPix marks a map slot that populate hasn't resolved yet.
const invalidPix = common.NoPage

// Map caches page_ixs for data spans [StartSpan, EndSpan) of one object.
type Map struct {
	ObjID     common.ObjID
	StartSpan uint32
	EndSpan   uint32
	MapBuf    []common.PageIx

	idx *index.Manager
	st  *index.State
}

// New attaches an unpopulated Map to an open object's index State.
func New(idx *index.Manager, st *index.State) *Map {
	return &Map{idx: idx, st: st, ObjID: st.ObjID}
}

// Populate walks every index page (header plus chained) covering
// [startSpan, endSpan) once, filling MapBuf. Returns ErrIxMapBadRange if
// the range is empty.
func (m *Map) Populate(ctx context.Context, startSpan, endSpan uint32) error {
	if endSpan <= startSpan {
		return common.ErrIxMapBadRange
	}
	buf := make([]common.PageIx, endSpan-startSpan)
	for i := range buf {
		buf[i] = invalidPix
	}
	for span := startSpan; span < endSpan; span++ {
		pix, err := m.resolve(ctx, span)
		if err != nil {
			return err
		}
		buf[span-startSpan] = pix
	}
	m.StartSpan, m.EndSpan, m.MapBuf = startSpan, endSpan, buf
	return nil
}

func (m *Map) resolve(ctx context.Context, dataSpanIx uint32) (common.PageIx, error) {
	wantSpan, slot := m.spanAndSlot(dataSpanIx)
	if err := m.idx.LoadSpan(ctx, m.st, wantSpan); err != nil {
		return common.NoPage, err
	}
	return m.st.Entries[slot], nil
}

func (m *Map) spanAndSlot(dataSpanIx uint32) (uint32, uint32) {
	return spanAndSlot(m.idx, dataSpanIx)
}

// Lookup reports the cached page_ix for dataSpanIx, or ok=false if the
// span isn't covered by the current map.
func (m *Map) Lookup(dataSpanIx uint32) (common.PageIx, bool) {
	if m.MapBuf == nil || dataSpanIx < m.StartSpan || dataSpanIx >= m.EndSpan {
		return common.NoPage, false
	}
	pix := m.MapBuf[dataSpanIx-m.StartSpan]
	if pix == invalidPix {
		return common.NoPage, false
	}
	return pix, true
}

// Remap shifts the map to a new base offset's span, reusing whatever
// entries already cover the new range and refilling only the newly
// exposed slots. newStartSpan..newStartSpan+len(MapBuf) becomes the new
// covered range, preserving the map's width.
func (m *Map) Remap(ctx context.Context, newStartSpan uint32) error {
	if m.MapBuf == nil {
		return common.ErrIxMapUnmapped
	}
	width := m.EndSpan - m.StartSpan
	newEnd := newStartSpan + width

	fresh := make([]common.PageIx, width)
	for i := range fresh {
		span := newStartSpan + uint32(i)
		if span >= m.StartSpan && span < m.EndSpan {
			fresh[i] = m.MapBuf[span-m.StartSpan]
		} else {
			pix, err := m.resolve(ctx, span)
			if err != nil {
				return err
			}
			fresh[i] = pix
		}
	}
	m.StartSpan, m.EndSpan, m.MapBuf = newStartSpan, newEnd, fresh
	return nil
}

// Unmap drops the cached range entirely.
func (m *Map) Unmap() {
	m.MapBuf = nil
	m.StartSpan, m.EndSpan = 0, 0
}

// OnEvent implements common.Subscriber. An event names an index span (0 is
// the header); any mutation of that span on this map's object invalidates
// every cached entry whose data span it covers, so the next Lookup falls
// through to a fresh index resolution.
func (m *Map) OnEvent(ev common.Event) {
	if m.MapBuf == nil || ev.ObjID != m.ObjID {
		return
	}
	for span := m.StartSpan; span < m.EndSpan; span++ {
		if indexSpan, _ := m.spanAndSlot(span); indexSpan == uint32(ev.SpanIx) {
			m.MapBuf[span-m.StartSpan] = invalidPix
		}
	}
}

// spanAndSlot duplicates index.Manager's unexported data-span resolution
// via the geometry it was built with, since ixmap must not import the
// internals of index beyond its exported surface.
func spanAndSlot(idx *index.Manager, dataSpanIx uint32) (uint32, uint32) {
	inHeader, indexSpan, offset := idx.Geo.DataSpanLocation(dataSpanIx)
	if inHeader {
		return 0, offset
	}
	return indexSpan, offset
}

// BytesForEntries returns how many map entries a caller-supplied buffer of
// n bytes can hold (bytes_to_ix_map_entries, spec.md §4.10).
func BytesForEntries(n int) int {
	const entrySize = 4 // common.PageIx on the wire, matching geometry.PageIxEntrySize
	return n / entrySize
}

// EntriesForBytes is the inverse of BytesForEntries: how many bytes a
// caller must allocate to hold n map entries.
func EntriesForBytes(n int) int {
	const entrySize = 4
	return n * entrySize
}
