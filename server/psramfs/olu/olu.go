// Package olu implements the object-lookup engine of spec.md §4.2: the
// per-block id table scan/update, free-entry search, (obj_id, span_ix)
// resolution, and the visitor abstraction spec.md §9 asks for in place of
// the original's CONTINUE/CONTINUE_RELOAD callback codes.
package olu

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/hal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
)

// Cursor is a (block, entry) pair used both as the free-search cursor and
// the general lookup cursor, to spread wear and aid locality (spec.md §3
// "Runtime state").
type Cursor struct {
	Block common.BlockIx
	Entry common.EntryIx
}

// Engine owns the id-table scan state for one mounted volume.
type Engine struct {
	Dev hal.Device
	Geo geometry.Geometry

	FreeBlocks      uint32
	StatsAllocated  uint64
	StatsDeleted    uint64
	MaxEraseCount   uint32

	FreeCursor Cursor
	Cursor     Cursor

	// LowFreeHook is invoked by FindFree when FreeBlocks < 2 and the
	// caller is not already cleaning; it is wired to gc.Engine.QuickGC by
	// mount.Mount, kept as a callback here to avoid an
	// import cycle between olu and gc.
	LowFreeHook func(ctx context.Context) error
	cleaning    bool
}

// VisitResult is the outcome a Visit callback returns for each entry.
type VisitResult int

const (
	// VisitContinue moves on to the next entry.
	VisitContinue VisitResult = iota
	// VisitContinueReload moves on, but the caller signals the LU page
	// backing this block may have changed underneath the visitor (e.g. a
	// nested allocation); Visit re-reads the entry before comparing
	// against any cached copy.
	VisitContinueReload
	// VisitStop ends the scan successfully.
	VisitStop
)

// Visitor is called once per OLU entry scanned by Visit.
type Visitor func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error)

func (e *Engine) blockAddr(block common.BlockIx) uint32 {
	return uint32(block) * e.Geo.BlockSize
}

func (e *Engine) entryAddr(block common.BlockIx, entry common.EntryIx) uint32 {
	return e.blockAddr(block) + uint32(entry)*geometry.OLUEntrySize
}

func (e *Engine) dataPageAddr(block common.BlockIx, entry common.EntryIx) uint32 {
	return e.blockAddr(block) + e.Geo.LUPages*e.Geo.PageSize + uint32(entry)*e.Geo.PageSize
}

// PageIx computes the absolute page index for (block, entry).
func (e *Engine) PageIx(block common.BlockIx, entry common.EntryIx) common.PageIx {
	return common.PageIx(uint32(block)*e.Geo.DataPages + uint32(entry))
}

// PageAddr returns the physical address of the data page at pix.
func (e *Engine) PageAddr(pix common.PageIx) uint32 {
	block := common.BlockIx(uint32(pix) / e.Geo.DataPages)
	entry := common.EntryIx(uint32(pix) % e.Geo.DataPages)
	return e.dataPageAddr(block, entry)
}

// BlockAndEntry inverts PageIx.
func (e *Engine) BlockAndEntry(pix common.PageIx) (common.BlockIx, common.EntryIx) {
	return common.BlockIx(uint32(pix) / e.Geo.DataPages), common.EntryIx(uint32(pix) % e.Geo.DataPages)
}

// ReadEntry reads the OLU slot for (block, entry).
func (e *Engine) ReadEntry(ctx context.Context, block common.BlockIx, entry common.EntryIx) (common.ObjID, error) {
	var buf [4]byte
	if err := e.Dev.Read(ctx, e.entryAddr(block, entry), buf[:]); err != nil {
		return 0, errors.Wrap(err, "olu: read entry")
	}
	return common.ObjID(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteEntry writes id into the OLU slot for (block, entry). Flash
// semantics only allow clearing bits, so this can move FREE->id->DELETED
// but never back. Per invariant I1 ("(live|deleted)* FREE*"), entry 0 is
// the only slot that can ever transition from FREE, so a write there that
// finds the slot still FREE is exactly the block's first occupation since
// its last erase; FreeBlocks is decremented at that moment, mirroring the
// increment gc.eraseBlock performs when a block is erased back to FREE.
func (e *Engine) WriteEntry(ctx context.Context, block common.BlockIx, entry common.EntryIx, id common.ObjID) error {
	if entry == 0 {
		prev, err := e.ReadEntry(ctx, block, entry)
		if err != nil {
			return err
		}
		if prev.IsFree() && e.FreeBlocks > 0 {
			e.FreeBlocks--
		}
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	if err := e.Dev.Write(ctx, e.entryAddr(block, entry), buf[:]); err != nil {
		return errors.Wrap(err, "olu: write entry")
	}
	return nil
}

// metaSlotAddr returns the address of the erase_count (which==0) or magic
// (which==1) slot, stored as the last two OLU slots of a block's final LU
// page.
func (e *Engine) metaSlotAddr(block common.BlockIx, which int) uint32 {
	totalSlots := e.Geo.LUPages * (e.Geo.PageSize / geometry.OLUEntrySize)
	// slot totalSlots-1 = erase_count, totalSlots-2 = magic
	slot := totalSlots - 1 - uint32(which)
	return e.blockAddr(block) + slot*geometry.OLUEntrySize
}

func (e *Engine) ReadEraseCount(ctx context.Context, block common.BlockIx) (uint32, error) {
	var buf [4]byte
	if err := e.Dev.Read(ctx, e.metaSlotAddr(block, 0), buf[:]); err != nil {
		return 0, errors.Wrap(err, "olu: read erase_count")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (e *Engine) WriteEraseCount(ctx context.Context, block common.BlockIx, count uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], count)
	return errors.Wrap(e.Dev.Write(ctx, e.metaSlotAddr(block, 0), buf[:]), "olu: write erase_count")
}

func (e *Engine) ReadMagic(ctx context.Context, block common.BlockIx) (uint32, error) {
	var buf [4]byte
	if err := e.Dev.Read(ctx, e.metaSlotAddr(block, 1), buf[:]); err != nil {
		return 0, errors.Wrap(err, "olu: read magic")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (e *Engine) WriteMagic(ctx context.Context, block common.BlockIx, magic uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], magic)
	return errors.Wrap(e.Dev.Write(ctx, e.metaSlotAddr(block, 1), buf[:]), "olu: write magic")
}

// Visit iterates OLU entries starting at start, calling visitor for each.
// A FREE entry ends the scan of its block (FREE is terminal, spec.md I1)
// and the scan continues at entry 0 of the next block. Past the last
// block the scan wraps to block 0, unless noWrap is set, in which case
// Visit returns ErrNotFound.
func (e *Engine) Visit(ctx context.Context, start Cursor, noWrap bool, visitor Visitor) error {
	block, entry := start.Block, start.Entry
	visited := uint64(0)
	total := uint64(e.Geo.BlockCount) * uint64(e.Geo.DataPages)

	for {
		id, err := e.ReadEntry(ctx, block, entry)
		if err != nil {
			return err
		}

		res, err := visitor(block, entry, id)
		if err != nil {
			return err
		}
		switch res {
		case VisitStop:
			return nil
		case VisitContinue, VisitContinueReload:
			// fall through to advance
		}

		if id.IsFree() {
			// FREE is terminal within a block: jump to the next block.
			entry = 0
			block++
		} else {
			entry++
			if uint32(entry) >= e.Geo.DataPages {
				entry = 0
				block++
			}
		}
		if uint32(block) >= e.Geo.BlockCount {
			if noWrap {
				return common.ErrNotFound
			}
			block = 0
		}

		visited++
		if visited > total {
			return common.ErrNotFound
		}
	}
}

// FindFree locates the next FREE entry starting at (startBlock,
// startEntry). Per spec.md §4.2, if FreeBlocks < 2 and the engine is not
// already mid-clean, LowFreeHook (quick GC) runs first.
func (e *Engine) FindFree(ctx context.Context, start Cursor, noWrap bool) (Cursor, error) {
	if e.FreeBlocks < 2 && !e.cleaning && e.LowFreeHook != nil {
		if err := e.LowFreeHook(ctx); err != nil && !errors.Is(err, common.ErrNoDeletedBlocks) {
			return Cursor{}, err
		}
	}

	var found Cursor
	err := e.Visit(ctx, start, noWrap, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		if id.IsFree() {
			found = Cursor{Block: block, Entry: entry}
			return VisitStop, nil
		}
		return VisitContinue, nil
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Cursor{}, common.ErrFull
		}
		return Cursor{}, err
	}
	e.FreeCursor = found
	return found, nil
}

// FindID returns the page_ix of the first live OLU slot holding id,
// starting at start.
func (e *Engine) FindID(ctx context.Context, id common.ObjID, start Cursor, noWrap bool) (common.PageIx, error) {
	var found common.PageIx = common.NoPage
	err := e.Visit(ctx, start, noWrap, func(block common.BlockIx, entry common.EntryIx, cur common.ObjID) (VisitResult, error) {
		if cur == id {
			found = e.PageIx(block, entry)
			return VisitStop, nil
		}
		return VisitContinue, nil
	})
	if err != nil {
		return common.NoPage, err
	}
	if found == common.NoPage {
		return common.NoPage, common.ErrNotFound
	}
	e.Cursor, _ = cursorFor(found, e.Geo)
	return found, nil
}

func cursorFor(pix common.PageIx, geo geometry.Geometry) (Cursor, error) {
	block := common.BlockIx(uint32(pix) / geo.DataPages)
	entry := common.EntryIx(uint32(pix) % geo.DataPages)
	return Cursor{Block: block, Entry: entry}, nil
}

// HeaderReader reads and decodes the page header at pix; used by the
// by-header variant of FindIDAndSpan. Supplied by the caller (pageprim)
// to avoid an olu->pageprim import.
type HeaderReader func(ctx context.Context, pix common.PageIx) (page.Header, error)

// FindIDAndSpan resolves (obj_id, span_ix) to the one live page matching
// it, excluding excludePix (used by move() to skip the page being
// replaced). byHeader, when non-nil, additionally checks by reading the
// candidate's header that the page is used, finalized and not deleted
// (and, for an index header, not marked IXDELE); without it, only the OLU
// id is trusted (the fast path).
func (e *Engine) FindIDAndSpan(ctx context.Context, id common.ObjID, spanIx common.SpanIx, excludePix common.PageIx, byHeader HeaderReader) (common.PageIx, error) {
	var found common.PageIx = common.NoPage
	err := e.Visit(ctx, Cursor{}, false, func(block common.BlockIx, entry common.EntryIx, cur common.ObjID) (VisitResult, error) {
		if cur != id {
			return VisitContinue, nil
		}
		pix := e.PageIx(block, entry)
		if pix == excludePix {
			return VisitContinue, nil
		}
		if byHeader == nil {
			found = pix
			return VisitStop, nil
		}
		hdr, err := byHeader(ctx, pix)
		if err != nil {
			return VisitContinue, nil
		}
		if common.SpanIx(hdr.SpanIx) != spanIx {
			return VisitContinue, nil
		}
		if hdr.Flags.IsDeleted() || !hdr.Flags.IsFinalized() || !hdr.Flags.IsUsed() {
			return VisitContinue, nil
		}
		if id.IsIndex() && common.SpanIx(hdr.SpanIx) == 0 && hdr.Flags.IsIxDeleted() {
			return VisitContinue, nil
		}
		found = pix
		return VisitStop, nil
	})
	if err != nil {
		return common.NoPage, err
	}
	if found == common.NoPage {
		return common.NoPage, common.ErrNotFound
	}
	return found, nil
}

// CountBlockStats scans one block's OLU entries and reports how many are
// live, deleted, or free — used by mount's initial scan and by GC's
// quick-reclaim test.
func (e *Engine) CountBlockStats(ctx context.Context, block common.BlockIx) (live, deleted, free uint32, err error) {
	for entry := common.EntryIx(0); uint32(entry) < e.Geo.DataPages; entry++ {
		id, rerr := e.ReadEntry(ctx, block, entry)
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		switch {
		case id.IsFree():
			free++
		case id.IsDeleted():
			deleted++
		default:
			live++
		}
	}
	return live, deleted, free, nil
}

// SetCleaning marks whether the engine is mid-GC, suppressing FindFree's
// LowFreeHook re-entry.
func (e *Engine) SetCleaning(v bool) { e.cleaning = v }
