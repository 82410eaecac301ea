// Package cache implements the fixed-count page-frame pool of spec.md
// §4.5: a read-side LRU cache shared by all objects, and an optional
// per-fd write-back buffer that coalesces short writes before they hit
// flash.
package cache

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

type frameKind uint8

const (
	frameFree frameKind = iota
	frameRead
	frameWrite
)

// frame is one P-byte slot. Read frames cache a data page's payload keyed
// by Pix; write frames accumulate not-yet-flushed bytes for (ObjID, Pix)
// starting at Offset.
type frame struct {
	kind       frameKind
	pix        common.PageIx
	objID      common.ObjID
	offset     uint32
	len        uint32
	lastAccess uint64
	buf        []byte
}

// Cache owns a fixed pool of frames sized to one data page's payload.
type Cache struct {
	Prim     *pageprim.Primitives
	DataSize uint32

	frames []frame
	clock  uint64
}

// New allocates a Cache with count frames, each DataSize bytes.
func New(prim *pageprim.Primitives, dataSize uint32, count int) *Cache {
	c := &Cache{Prim: prim, DataSize: dataSize, frames: make([]frame, count)}
	for i := range c.frames {
		c.frames[i].buf = make([]byte, dataSize)
	}
	return c
}

func (c *Cache) tick() uint64 {
	c.clock++
	return c.clock
}

// Read returns dataSize bytes from pix's payload, consulting the cache
// unless lu2 requests the direct (uncached) "second-level" path.
func (c *Cache) Read(ctx context.Context, pix common.PageIx, lu2 bool) ([]byte, error) {
	if lu2 {
		buf := make([]byte, c.DataSize)
		if err := c.Prim.ReadData(ctx, pix, 0, buf); err != nil {
			return nil, errors.Wrap(err, "cache: direct read")
		}
		return buf, nil
	}

	for i := range c.frames {
		f := &c.frames[i]
		if f.kind == frameRead && f.pix == pix {
			f.lastAccess = c.tick()
			out := make([]byte, c.DataSize)
			copy(out, f.buf)
			return out, nil
		}
	}

	idx := c.pickReadVictim()
	if idx == -1 {
		buf := make([]byte, c.DataSize)
		if err := c.Prim.ReadData(ctx, pix, 0, buf); err != nil {
			return nil, errors.Wrap(err, "cache: direct read")
		}
		return buf, nil
	}
	f := &c.frames[idx]
	if err := c.Prim.ReadData(ctx, pix, 0, f.buf); err != nil {
		return nil, errors.Wrap(err, "cache: fill read frame")
	}
	f.kind = frameRead
	f.pix = pix
	f.lastAccess = c.tick()
	out := make([]byte, c.DataSize)
	copy(out, f.buf)
	return out, nil
}

// pickReadVictim returns a free frame if one exists, otherwise the
// least-recently-used read frame, or -1 if every frame is a write frame.
// Write frames are never evicted to satisfy a read miss.
func (c *Cache) pickReadVictim() int {
	best := -1
	var bestAccess uint64
	for i := range c.frames {
		switch c.frames[i].kind {
		case frameFree:
			return i
		case frameRead:
			if best == -1 || c.frames[i].lastAccess < bestAccess {
				best = i
				bestAccess = c.frames[i].lastAccess
			}
		}
	}
	if best == -1 {
		// Pool holds nothing but write frames: Read serves the miss
		// straight from media instead, since reusing a write frame here
		// would silently drop its buffered bytes.
		return -1
	}
	return best
}

// Invalidate drops any read frame caching pix, used on every write to pix
// and on deletion so a stale copy is never served again.
func (c *Cache) Invalidate(pix common.PageIx) {
	for i := range c.frames {
		if c.frames[i].kind == frameRead && c.frames[i].pix == pix {
			c.frames[i].kind = frameFree
		}
	}
}

// WriteHandle is a caller's lease on one write-back frame.
type WriteHandle struct {
	c   *Cache
	idx int
}

// AcquireWrite returns the write frame already buffering (objID, pix) at
// the given base offset, or allocates a fresh one, flushing the
// least-recently-used write frame first if the pool is full.
func (c *Cache) AcquireWrite(ctx context.Context, objID common.ObjID, pix common.PageIx, offset uint32) (*WriteHandle, error) {
	for i := range c.frames {
		f := &c.frames[i]
		if f.kind == frameWrite && f.objID == objID && f.pix == pix {
			f.lastAccess = c.tick()
			return &WriteHandle{c: c, idx: i}, nil
		}
	}

	idx := -1
	for i := range c.frames {
		if c.frames[i].kind == frameFree {
			idx = i
			break
		}
	}
	if idx == -1 {
		victim, err := c.lruWriteFrame(ctx)
		if err != nil {
			return nil, err
		}
		idx = victim
	}

	f := &c.frames[idx]
	f.kind = frameWrite
	f.objID = objID
	f.pix = pix
	f.offset = offset
	f.len = 0
	f.lastAccess = c.tick()
	return &WriteHandle{c: c, idx: idx}, nil
}

func (c *Cache) lruWriteFrame(ctx context.Context) (int, error) {
	best := -1
	var bestAccess uint64
	for i := range c.frames {
		if c.frames[i].kind == frameWrite {
			if best == -1 || c.frames[i].lastAccess < bestAccess {
				best = i
				bestAccess = c.frames[i].lastAccess
			}
		}
	}
	if best == -1 {
		return -1, errors.New("cache: no write frame available to evict")
	}
	if err := c.flushFrame(ctx, best); err != nil {
		return -1, err
	}
	return best, nil
}

// Remaining reports how many more bytes h's frame can absorb before it
// must be flushed.
func (h *WriteHandle) Remaining() uint32 {
	f := &h.c.frames[h.idx]
	return h.c.DataSize - f.offset - f.len
}

// Buffer appends as much of data as fits in the remaining capacity,
// returning the number of bytes accepted.
func (h *WriteHandle) Buffer(data []byte) int {
	f := &h.c.frames[h.idx]
	room := h.c.DataSize - f.offset - f.len
	n := uint32(len(data))
	if n > room {
		n = room
	}
	copy(f.buf[f.len:], data[:n])
	f.len += n
	f.lastAccess = h.c.tick()
	return int(n)
}

// Flush writes h's buffered bytes to flash and frees the frame.
func (h *WriteHandle) Flush(ctx context.Context) error {
	return h.c.flushFrame(ctx, h.idx)
}

func (c *Cache) flushFrame(ctx context.Context, idx int) error {
	f := &c.frames[idx]
	if f.kind != frameWrite || f.len == 0 {
		f.kind = frameFree
		return nil
	}
	if err := c.Prim.WriteData(ctx, f.pix, f.offset, f.buf[:f.len]); err != nil {
		return errors.Wrap(err, "cache: flush write frame")
	}
	c.Invalidate(f.pix)
	f.kind = frameFree
	f.len = 0
	return nil
}

// FlushObject flushes every write frame belonging to objID — used by
// fflush/close/seek/fstat/eof/tell, which must see the latest bytes.
func (c *Cache) FlushObject(ctx context.Context, objID common.ObjID) error {
	for i := range c.frames {
		if c.frames[i].kind == frameWrite && c.frames[i].objID == objID {
			if err := c.flushFrame(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAll flushes every dirty write frame, used by unmount.
func (c *Cache) FlushAll(ctx context.Context) error {
	for i := range c.frames {
		if c.frames[i].kind == frameWrite {
			if err := c.flushFrame(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}
