package index

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/server/psramfs/cache"
	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

// State is the working set an open file descriptor carries for one object:
// its identity fields (mirrored from the header payload so they survive
// across index-span switches) plus whichever index span (header or one
// chained page) is currently loaded into Entries. The fd table and fs
// layer own a State per open object and pass it into every Manager call.
type State struct {
	ObjID     common.ObjID
	HeaderPix common.PageIx

	Size uint32
	Name string
	Meta []byte
	Type common.ObjType

	CurSpanIx uint32 // 0 = header is loaded; N>0 = chained index span N
	CurPix    common.PageIx
	Entries   []common.PageIx
	Dirty     bool
}

// Manager implements the object index algorithms of spec.md §4.4 on top of
// the page primitives and OLU engine.
type Manager struct {
	Prim *pageprim.Primitives
	OLU  *olu.Engine
	Geo  geometry.Geometry

	Subscribers  []common.Subscriber
	UserCallback common.FileCallback

	// Cache is the optional read-side page-frame cache of spec.md §4.5.
	// When set, Read consults it (full-page granularity, keyed by pix)
	// instead of going straight to Prim; every data-page write Append
	// performs in place invalidates the corresponding frame so a later
	// read can never observe stale cached bytes.
	Cache *cache.Cache

	// ReserveHook runs gc_check before an append grows the volume, without
	// index importing gc — mirrors olu.Engine.LowFreeHook.
	ReserveHook func(ctx context.Context, pages uint32) error

	// IxMapLookup lets an attached index map short-circuit a data span
	// resolution during Read, without index importing ixmap.
	IxMapLookup func(objID common.ObjID, dataSpanIx uint32) (common.PageIx, bool)
}

// New builds a Manager over the given page primitives and OLU engine.
func New(prim *pageprim.Primitives, eng *olu.Engine, geo geometry.Geometry) *Manager {
	return &Manager{Prim: prim, OLU: eng, Geo: geo}
}

func (m *Manager) Subscribe(s common.Subscriber) { m.Subscribers = append(m.Subscribers, s) }

func (m *Manager) Unsubscribe(s common.Subscriber) {
	for i, sub := range m.Subscribers {
		if sub == s {
			m.Subscribers = append(m.Subscribers[:i], m.Subscribers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(ev common.Event) {
	for _, s := range m.Subscribers {
		s.OnEvent(ev)
	}
	if m.UserCallback != nil {
		if fo, ok := common.AsFileOp(ev); ok {
			m.UserCallback(fo, ev.ObjID, ev.Name)
		}
	}
}

func (m *Manager) headerReader(ctx context.Context, pix common.PageIx) (page.Header, error) {
	return m.Prim.ReadHeader(ctx, pix)
}

func (m *Manager) readHeader(ctx context.Context, pix common.PageIx) (HeaderPayload, error) {
	buf := make([]byte, m.Geo.PageSize-m.Geo.PageHeaderSize)
	if err := m.Prim.ReadData(ctx, pix, 0, buf); err != nil {
		return HeaderPayload{}, err
	}
	return DecodeHeaderPayload(buf, m.Geo), nil
}

func (m *Manager) readPage(ctx context.Context, pix common.PageIx) (PagePayload, error) {
	buf := make([]byte, m.Geo.PageSize-m.Geo.PageHeaderSize)
	if err := m.Prim.ReadData(ctx, pix, 0, buf); err != nil {
		return PagePayload{}, err
	}
	return DecodePagePayload(buf, m.Geo), nil
}

// spanAndSlot resolves a data_span_ix to the index span that holds its
// page_ix entry (0 for the header) and the slot within that span's array.
func (m *Manager) spanAndSlot(dataSpanIx uint32) (wantSpan, slot uint32) {
	inHeader, indexSpan, offset := m.Geo.DataSpanLocation(dataSpanIx)
	if inHeader {
		return 0, offset
	}
	return indexSpan, offset
}

// Create allocates a header page for a brand-new object: INDEX=0, FINAL=0
// cleared immediately since the whole payload is written in one shot,
// size=UNDEFINED, an all-free page_ix array. Emits EventNew.
func (m *Manager) Create(ctx context.Context, objID common.ObjID, name string, meta []byte, typ common.ObjType) (common.PageIx, error) {
	hdr := HeaderPayload{Size: common.UndefinedSize, Type: typ, Name: name, Meta: meta}
	pix, err := m.Prim.AllocateData(ctx, objID.WithIndexFlag(), 0, hdr.Encode(m.Geo), 0, true)
	if err != nil {
		return common.NoPage, err
	}
	m.notify(common.Event{Op: common.EventNew, ObjID: objID, SpanIx: 0, NewPix: pix, NewSize: common.UndefinedSize, Name: name})
	return pix, nil
}

// Load reads the header page at headerPix and returns a fresh State for an
// fd opening it, with the header span already current.
func (m *Manager) Load(ctx context.Context, objID common.ObjID, headerPix common.PageIx) (*State, error) {
	hdr, err := m.readHeader(ctx, headerPix)
	if err != nil {
		return nil, err
	}
	return &State{
		ObjID:     objID,
		HeaderPix: headerPix,
		Size:      hdr.Size,
		Name:      hdr.Name,
		Meta:      hdr.Meta,
		Type:      hdr.Type,
		CurSpanIx: 0,
		CurPix:    headerPix,
		Entries:   hdr.PageIxs,
	}, nil
}

// ensureSpan makes wantSpan the currently loaded index span in st, flushing
// whatever was dirty beforehand. If wantSpan is a not-yet-existing chained
// page and create is true, a fresh all-free one is allocated.
func (m *Manager) ensureSpan(ctx context.Context, st *State, wantSpan uint32, create bool) error {
	if st.Entries != nil && st.CurSpanIx == wantSpan {
		return nil
	}
	if st.Dirty {
		if err := m.flush(ctx, st); err != nil {
			return err
		}
	}

	if wantSpan == 0 {
		hdr, err := m.readHeader(ctx, st.HeaderPix)
		if err != nil {
			return err
		}
		st.Entries = hdr.PageIxs
		st.CurPix = st.HeaderPix
		st.CurSpanIx = 0
		return nil
	}

	pix, err := m.OLU.FindIDAndSpan(ctx, st.ObjID.WithIndexFlag(), common.SpanIx(wantSpan), common.NoPage, m.headerReader)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) && create {
			entries := make([]common.PageIx, m.Geo.ObjIxLen)
			for i := range entries {
				entries[i] = common.NoPage
			}
			payload := PagePayload{PageIxs: entries}.Encode(m.Geo)
			newPix, aerr := m.Prim.AllocateData(ctx, st.ObjID.WithIndexFlag(), common.SpanIx(wantSpan), payload, 0, true)
			if aerr != nil {
				return aerr
			}
			st.Entries, st.CurPix, st.CurSpanIx = entries, newPix, wantSpan
			return nil
		}
		return err
	}
	pp, rerr := m.readPage(ctx, pix)
	if rerr != nil {
		return rerr
	}
	st.Entries, st.CurPix, st.CurSpanIx = pp.PageIxs, pix, wantSpan
	return nil
}

// flush moves the currently-loaded span (header or chained page) to a new
// page if it has been mutated, and emits the corresponding event.
func (m *Manager) flush(ctx context.Context, st *State) error {
	if !st.Dirty {
		return nil
	}
	var payload []byte
	if st.CurSpanIx == 0 {
		hdr := HeaderPayload{Size: st.Size, Type: st.Type, Name: st.Name, Meta: st.Meta, PageIxs: st.Entries}
		payload = hdr.Encode(m.Geo)
	} else {
		payload = PagePayload{PageIxs: st.Entries}.Encode(m.Geo)
	}
	newPix, err := m.Prim.Move(ctx, st.CurPix, payload)
	if err != nil {
		return err
	}
	st.CurPix = newPix
	if st.CurSpanIx == 0 {
		st.HeaderPix = newPix
	}
	st.Dirty = false

	op := common.EventUpdate
	if st.CurSpanIx == 0 {
		op = common.EventUpdateHeader
	}
	m.notify(common.Event{Op: op, ObjID: st.ObjID, SpanIx: common.SpanIx(st.CurSpanIx), NewPix: newPix, NewSize: st.Size, Name: st.Name})
	return nil
}

// UpdateIndexHdr loads the header (if not already current), applies the
// given field changes, and moves it to a new page.
func (m *Manager) UpdateIndexHdr(ctx context.Context, st *State, name *string, meta []byte, size *uint32) (common.PageIx, error) {
	if err := m.ensureSpan(ctx, st, 0, false); err != nil {
		return common.NoPage, err
	}
	if name != nil {
		st.Name = *name
	}
	if meta != nil {
		st.Meta = meta
	}
	if size != nil {
		st.Size = *size
	}
	st.Dirty = true
	if err := m.flush(ctx, st); err != nil {
		return common.NoPage, err
	}
	return st.CurPix, nil
}

// Append writes data starting at offset, clamped to the object's current
// size (holes are never created), allocating new data pages as spans fill
// and growing the index (creating chained pages on demand) as needed.
func (m *Manager) Append(ctx context.Context, st *State, offset uint32, data []byte) (int, error) {
	dps := m.Geo.DataPageSize()
	size := st.Size
	if size == common.UndefinedSize {
		size = 0
	}
	if offset > size {
		offset = size
	}

	if m.ReserveHook != nil {
		need := uint32(len(data))/dps + 2
		if err := m.ReserveHook(ctx, need); err != nil {
			return 0, err
		}
	}

	pos := offset
	remaining := data
	written := 0
	for len(remaining) > 0 {
		dataSpanIx := pos / dps
		wantSpan, slot := m.spanAndSlot(dataSpanIx)
		if err := m.ensureSpan(ctx, st, wantSpan, true); err != nil {
			return written, err
		}
		pageOffs := pos % dps

		if pageOffs == 0 {
			n := uint32(len(remaining))
			if n > dps {
				n = dps
			}
			pix, err := m.Prim.AllocateData(ctx, st.ObjID, common.SpanIx(dataSpanIx), remaining[:n], 0, true)
			if err != nil {
				return written, err
			}
			st.Entries[slot] = pix
			st.Dirty = true
			remaining = remaining[n:]
			pos += n
			written += int(n)
			continue
		}

		pix := st.Entries[slot]
		if pix == common.NoPage {
			return written, common.ErrIndexRefInvalid
		}
		free := dps - pageOffs
		n := uint32(len(remaining))
		if n > free {
			n = free
		}
		if err := m.Prim.WriteData(ctx, pix, pageOffs, remaining[:n]); err != nil {
			return written, err
		}
		if m.Cache != nil {
			m.Cache.Invalidate(pix)
		}
		remaining = remaining[n:]
		pos += n
		written += int(n)
	}

	if pos > size {
		st.Size = pos
		// The size field lives in the header (span 0), whichever span the
		// append ended in.
		if err := m.ensureSpan(ctx, st, 0, false); err != nil {
			return written, err
		}
		st.Dirty = true
	}
	if err := m.flush(ctx, st); err != nil {
		return written, err
	}
	return written, nil
}

// Modify overwrites an existing byte range: each affected data page is
// replaced wholesale (old content read, new bytes spliced in, written to a
// freshly-allocated page, old page deleted). The range must lie within the
// object's current size; growth goes through Append.
func (m *Manager) Modify(ctx context.Context, st *State, offset uint32, data []byte) (int, error) {
	if uint64(offset)+uint64(len(data)) > uint64(st.Size) {
		return 0, common.ErrSeekBounds
	}
	dps := m.Geo.DataPageSize()
	pos := offset
	remaining := data
	written := 0
	for len(remaining) > 0 {
		dataSpanIx := pos / dps
		wantSpan, slot := m.spanAndSlot(dataSpanIx)
		if err := m.ensureSpan(ctx, st, wantSpan, false); err != nil {
			return written, err
		}
		oldPix := st.Entries[slot]
		if oldPix == common.NoPage {
			return written, common.ErrIndexRefInvalid
		}
		pageOffs := pos % dps
		n := uint32(len(remaining))
		if n > dps-pageOffs {
			n = dps - pageOffs
		}

		full := make([]byte, dps)
		if err := m.Prim.ReadData(ctx, oldPix, 0, full); err != nil {
			return written, err
		}
		copy(full[pageOffs:pageOffs+n], remaining[:n])

		newPix, err := m.Prim.AllocateData(ctx, st.ObjID, common.SpanIx(dataSpanIx), full, 0, true)
		if err != nil {
			return written, err
		}
		if err := m.Prim.Delete(ctx, oldPix); err != nil {
			return written, err
		}
		if m.Cache != nil {
			m.Cache.Invalidate(oldPix)
		}

		st.Entries[slot] = newPix
		st.Dirty = true
		remaining = remaining[n:]
		pos += n
		written += int(n)
	}
	if err := m.flush(ctx, st); err != nil {
		return written, err
	}
	return written, nil
}

// Truncate shrinks (or deletes) an object per spec.md §4.4. When
// remove_full && new_size==0, the header's IXDELE flag is cleared first so
// a crashed delete can be resumed by the consistency check; whole data
// pages (and emptied chained index pages) beyond new_size are then
// reclaimed from the tail inward, the straddling span is re-written short,
// and finally the header is either deleted or moved with the new size.
func (m *Manager) Truncate(ctx context.Context, st *State, newSize uint32, removeFull bool) error {
	dps := m.Geo.DataPageSize()

	if removeFull && newSize == 0 {
		if err := m.Prim.MarkIxDeleted(ctx, st.HeaderPix); err != nil {
			return err
		}
	}

	oldSize := st.Size
	if oldSize == common.UndefinedSize {
		oldSize = 0
	}

	if oldSize > 0 {
		lastSpan := (oldSize - 1) / dps
		straddles := newSize%dps != 0
		boundarySpan := newSize / dps

		for spanIx := lastSpan; ; spanIx-- {
			keepWhole := spanIx*dps < newSize || (straddles && spanIx == boundarySpan)
			if keepWhole {
				if spanIx == 0 {
					break
				}
				continue
			}

			wantSpan, slot := m.spanAndSlot(spanIx)
			if err := m.ensureSpan(ctx, st, wantSpan, false); err != nil {
				if errors.Is(err, common.ErrNotFound) {
					if spanIx == 0 {
						break
					}
					continue
				}
				return err
			}
			if pix := st.Entries[slot]; pix != common.NoPage {
				if err := m.Prim.Delete(ctx, pix); err != nil {
					return err
				}
				if m.Cache != nil {
					m.Cache.Invalidate(pix)
				}
				st.Entries[slot] = common.NoPage
				st.Dirty = true
			}

			// A chained span whose first entry has just been cleared and
			// lies wholly beyond new_size is now empty: drop it outright.
			if wantSpan != 0 && slot == 0 {
				oldPix := st.CurPix
				m.notify(common.Event{Op: common.EventDelete, ObjID: st.ObjID, SpanIx: common.SpanIx(wantSpan), NewPix: common.NoPage, NewSize: st.Size, Name: st.Name})
				if err := m.Prim.Delete(ctx, oldPix); err != nil {
					return err
				}
				st.Entries = nil
				st.Dirty = false
			}

			if spanIx == 0 {
				break
			}
		}

		if straddles {
			wantSpan, slot := m.spanAndSlot(boundarySpan)
			if err := m.ensureSpan(ctx, st, wantSpan, false); err != nil {
				return err
			}
			if oldPix := st.Entries[slot]; oldPix != common.NoPage {
				keep := newSize % dps
				buf := make([]byte, keep)
				if err := m.Prim.ReadData(ctx, oldPix, 0, buf); err != nil {
					return err
				}
				newPix, err := m.Prim.AllocateData(ctx, st.ObjID, common.SpanIx(boundarySpan), buf, 0, true)
				if err != nil {
					return err
				}
				if err := m.Prim.Delete(ctx, oldPix); err != nil {
					return err
				}
				if m.Cache != nil {
					m.Cache.Invalidate(oldPix)
				}
				st.Entries[slot] = newPix
				st.Dirty = true
			}
		}
	}

	st.Size = newSize
	st.Dirty = true

	if err := m.ensureSpan(ctx, st, 0, false); err != nil {
		return err
	}

	if newSize == 0 && removeFull {
		headerPix := st.HeaderPix
		if err := m.Prim.Delete(ctx, headerPix); err != nil {
			return err
		}
		m.notify(common.Event{Op: common.EventDelete, ObjID: st.ObjID, SpanIx: 0, NewPix: common.NoPage, NewSize: 0, Name: st.Name})
		st.Dirty = false
		return nil
	}

	return m.flush(ctx, st)
}

// FindHeader resolves an object's header page_ix via the OLU, for callers
// (GC) that know only the bare obj_id.
func (m *Manager) FindHeader(ctx context.Context, objID common.ObjID) (common.PageIx, error) {
	return m.OLU.FindIDAndSpan(ctx, objID.WithIndexFlag(), 0, common.NoPage, m.headerReader)
}

// LoadSpan makes wantSpan the current span in an already-Load-ed State,
// without allocating a new chained page if one doesn't exist yet.
func (m *Manager) LoadSpan(ctx context.Context, st *State, wantSpan uint32) error {
	return m.ensureSpan(ctx, st, wantSpan, false)
}

// PatchEntry updates the page_ix entry for dataSpanIx to newPix and
// persists the owning span immediately — used by GC after it relocates a
// live data page out from under a block being cleaned.
func (m *Manager) PatchEntry(ctx context.Context, st *State, dataSpanIx uint32, newPix common.PageIx) error {
	wantSpan, slot := m.spanAndSlot(dataSpanIx)
	if err := m.ensureSpan(ctx, st, wantSpan, false); err != nil {
		return err
	}
	st.Entries[slot] = newPix
	st.Dirty = true
	return m.flush(ctx, st)
}

// Relocate forces the currently-loaded span of st to move to a new page
// even though its content is unchanged — used by GC to evacuate a live
// index page (header or chained) out of a block being cleaned.
func (m *Manager) Relocate(ctx context.Context, st *State) error {
	st.Dirty = true
	return m.flush(ctx, st)
}

// Read walks span indices starting at offset/DATA_PAGE_SIZE, resolving each
// through the index map hook if one is attached and covers the span,
// otherwise through the normal index lookup. lu2 requests the
// uncached "second-level" read path (O_DIRECT), bypassing Cache even
// when one is installed.
func (m *Manager) Read(ctx context.Context, st *State, offset uint32, dst []byte, lu2 bool) (int, error) {
	dps := m.Geo.DataPageSize()
	size := st.Size
	if size == common.UndefinedSize {
		size = 0
	}
	if offset >= size {
		return 0, common.ErrEndOfObject
	}
	remaining := dst
	if want := size - offset; uint32(len(remaining)) > want {
		remaining = remaining[:want]
	}

	pos := offset
	read := 0
	for len(remaining) > 0 {
		dataSpanIx := pos / dps

		var pix common.PageIx
		var ok bool
		if m.IxMapLookup != nil {
			pix, ok = m.IxMapLookup(st.ObjID, dataSpanIx)
		}
		if !ok {
			wantSpan, slot := m.spanAndSlot(dataSpanIx)
			if err := m.ensureSpan(ctx, st, wantSpan, false); err != nil {
				return read, err
			}
			pix = st.Entries[slot]
		}
		if pix == common.NoPage {
			return read, common.ErrIndexRefFree
		}

		pageOffs := pos % dps
		n := uint32(len(remaining))
		if n > dps-pageOffs {
			n = dps - pageOffs
		}
		if m.Cache != nil && !lu2 {
			page, err := m.Cache.Read(ctx, pix, false)
			if err != nil {
				return read, err
			}
			copy(remaining[:n], page[pageOffs:pageOffs+n])
		} else if err := m.Prim.ReadData(ctx, pix, pageOffs, remaining[:n]); err != nil {
			return read, err
		}
		remaining = remaining[n:]
		pos += n
		read += int(n)
	}
	return read, nil
}
