// Package pageprim implements the page-level primitives of spec.md §4.3:
// allocate_data, move and delete, each preserving the invariant that a
// page is never rewritten in place except for monotone (1->0) flag-bit
// transitions.
package pageprim

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/hal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
)

// DefaultChunkSize is how many payload bytes Move copies per HAL write
// when physically relocating a page (no pre-built payload supplied).
const DefaultChunkSize = 32

// Primitives ties the OLU engine to the raw HAL device to implement the
// page lifecycle operations.
type Primitives struct {
	Dev  hal.Device
	Geo  geometry.Geometry
	OLU  *olu.Engine

	SecureErase bool
	ChunkSize   uint32
}

// New builds a Primitives with the spec's default chunk size.
func New(dev hal.Device, geo geometry.Geometry, eng *olu.Engine, secureErase bool) *Primitives {
	return &Primitives{Dev: dev, Geo: geo, OLU: eng, SecureErase: secureErase, ChunkSize: DefaultChunkSize}
}

func (p *Primitives) flagsAddr(pix common.PageIx) uint32 {
	return p.OLU.PageAddr(pix) + 8 // ObjID(4)+SpanIx(4)
}

// clearFlagBit performs the one-way flag transition: AND the stored flags
// byte with (0xFF &^ mask), which clears exactly the requested bit(s) and
// leaves every other bit (already 0 or 1) untouched.
func (p *Primitives) clearFlagBit(ctx context.Context, pix common.PageIx, mask page.Flags) error {
	b := []byte{byte(page.AllSet &^ mask)}
	return errors.Wrap(p.Dev.Write(ctx, p.flagsAddr(pix), b), "pageprim: clear flag bit")
}

// ReadHeader reads and decodes the page header at pix.
func (p *Primitives) ReadHeader(ctx context.Context, pix common.PageIx) (page.Header, error) {
	buf := make([]byte, page.HeaderSize)
	if err := p.Dev.Read(ctx, p.OLU.PageAddr(pix), buf); err != nil {
		return page.Header{}, errors.Wrap(err, "pageprim: read header")
	}
	return page.Decode(buf), nil
}

// ReadData reads len(dst) payload bytes from pix starting at offset.
func (p *Primitives) ReadData(ctx context.Context, pix common.PageIx, offset uint32, dst []byte) error {
	addr := p.OLU.PageAddr(pix) + page.HeaderSize + offset
	return errors.Wrap(p.Dev.Read(ctx, addr, dst), "pageprim: read data")
}

// WriteData writes data into the payload area of pix at offset (used by
// append/modify to fill a page's free tail, or to lay down a new page's
// initial content).
func (p *Primitives) WriteData(ctx context.Context, pix common.PageIx, offset uint32, data []byte) error {
	addr := p.OLU.PageAddr(pix) + page.HeaderSize + offset
	return errors.Wrap(p.Dev.Write(ctx, addr, data), "pageprim: write data")
}

// AllocateData finds a free OLU entry, writes its id, writes a header
// with USED cleared (and, if finalize, FINAL cleared too), writes data at
// offset, and bumps the allocation stat.
func (p *Primitives) AllocateData(ctx context.Context, objID common.ObjID, spanIx common.SpanIx, data []byte, offset uint32, finalize bool) (common.PageIx, error) {
	cur, err := p.OLU.FindFree(ctx, p.OLU.FreeCursor, false)
	if err != nil {
		return common.NoPage, err
	}
	pix := p.OLU.PageIx(cur.Block, cur.Entry)

	if err := p.OLU.WriteEntry(ctx, cur.Block, cur.Entry, objID); err != nil {
		return common.NoPage, err
	}

	hdr := page.Header{ObjID: uint32(objID), SpanIx: uint32(spanIx), Flags: page.AllSet}
	hdr.Flags.MarkUsed()
	if objID.IsIndex() {
		hdr.Flags.MarkIndexPage()
	} else {
		hdr.Flags.MarkDataPage()
	}
	if finalize {
		hdr.Flags.Finalize()
	}

	if err := p.Dev.Write(ctx, p.OLU.PageAddr(pix), hdr.Encode()); err != nil {
		return common.NoPage, errors.Wrap(err, "pageprim: write header")
	}
	if len(data) > 0 {
		if err := p.WriteData(ctx, pix, offset, data); err != nil {
			return common.NoPage, err
		}
	}

	p.OLU.StatsAllocated++
	return pix, nil
}

// Finalize clears the FINAL bit on an already-allocated page (used once
// an index page's last in-place append completes).
func (p *Primitives) Finalize(ctx context.Context, pix common.PageIx) error {
	return p.clearFlagBit(ctx, pix, page.FlagFinal)
}

// MarkIxDeleted clears IXDELE on an index-header page, the crash-safe
// "being deleted" marker of truncate(new_size=0).
func (p *Primitives) MarkIxDeleted(ctx context.Context, pix common.PageIx) error {
	return p.clearFlagBit(ctx, pix, page.FlagIxDelete|page.FlagUsed|page.FlagFinal)
}

// Move relocates the page at srcPix to a freshly-allocated page, either
// writing payload verbatim (if non-nil — the "header|null, page_data"
// case of spec.md §4.3 used when an index page's in-memory image has
// changed) or physically copying the existing page byte-for-byte in
// ChunkSize pieces. The source page is deleted once the destination is
// committed, so a crash between the two leaves a duplicate (obj_id,
// span_ix) for the consistency check to resolve (spec.md §4.3 invariant).
func (p *Primitives) Move(ctx context.Context, srcPix common.PageIx, payload []byte) (common.PageIx, error) {
	srcHdr, err := p.ReadHeader(ctx, srcPix)
	if err != nil {
		return common.NoPage, err
	}
	objID := common.ObjID(srcHdr.ObjID)

	cur, err := p.OLU.FindFree(ctx, p.OLU.FreeCursor, false)
	if err != nil {
		return common.NoPage, err
	}
	dstPix := p.OLU.PageIx(cur.Block, cur.Entry)
	if err := p.OLU.WriteEntry(ctx, cur.Block, cur.Entry, objID); err != nil {
		return common.NoPage, err
	}
	dstAddr := p.OLU.PageAddr(dstPix)

	if payload != nil {
		hdr := page.Header{ObjID: uint32(objID), SpanIx: srcHdr.SpanIx, Flags: page.AllSet}
		hdr.Flags.MarkUsed()
		if objID.IsIndex() {
			hdr.Flags.MarkIndexPage()
		} else {
			hdr.Flags.MarkDataPage()
		}
		if err := p.Dev.Write(ctx, dstAddr, hdr.Encode()); err != nil {
			return common.NoPage, errors.Wrap(err, "pageprim: move write header")
		}
		if len(payload) > 0 {
			if err := p.Dev.Write(ctx, dstAddr+page.HeaderSize, payload); err != nil {
				return common.NoPage, errors.Wrap(err, "pageprim: move write payload")
			}
		}
		if srcHdr.Flags.IsFinalized() {
			if err := p.clearFlagBit(ctx, dstPix, page.FlagFinal); err != nil {
				return common.NoPage, err
			}
		}
	} else {
		full := make([]byte, page.HeaderSize+p.Geo.DataPageSize())
		if err := p.Dev.Read(ctx, p.OLU.PageAddr(srcPix), full); err != nil {
			return common.NoPage, errors.Wrap(err, "pageprim: move read source")
		}
		chunk := p.ChunkSize
		if chunk == 0 {
			chunk = DefaultChunkSize
		}
		for off := uint32(0); off < uint32(len(full)); off += chunk {
			end := off + chunk
			if end > uint32(len(full)) {
				end = uint32(len(full))
			}
			if err := p.Dev.Write(ctx, dstAddr+off, full[off:end]); err != nil {
				return common.NoPage, errors.Wrap(err, "pageprim: move copy chunk")
			}
		}
	}

	p.OLU.StatsAllocated++
	if err := p.Delete(ctx, srcPix); err != nil {
		return common.NoPage, err
	}
	return dstPix, nil
}

// Delete marks pix DELETED in the OLU, clears the DELET flag bit, and
// optionally zeros the payload. Per spec.md Q4, the OLU write happens
// before the optional secure-erase zeroing; a power loss in between
// leaves a window where stale payload bytes are still readable, which the
// spec explicitly permits.
func (p *Primitives) Delete(ctx context.Context, pix common.PageIx) error {
	block, entry := p.OLU.BlockAndEntry(pix)
	if err := p.OLU.WriteEntry(ctx, block, entry, common.DeletedID); err != nil {
		return err
	}
	if err := p.clearFlagBit(ctx, pix, page.FlagDelete); err != nil {
		return err
	}
	if p.SecureErase {
		zero := make([]byte, p.Geo.DataPageSize())
		if err := p.Dev.Write(ctx, p.OLU.PageAddr(pix)+page.HeaderSize, zero); err != nil {
			return errors.Wrap(err, "pageprim: secure erase")
		}
	}
	if p.OLU.StatsAllocated > 0 {
		p.OLU.StatsAllocated--
	}
	p.OLU.StatsDeleted++
	return nil
}
