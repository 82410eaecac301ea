package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/memhal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

// testPages returns a Primitives plus n freshly-allocated data pages, for
// tests that need real flash-backed page_ix values rather than bare
// integers.
func testPages(t *testing.T, n int) (*pageprim.Primitives, []common.PageIx) {
	t.Helper()
	geo, err := geometry.New(256, 4096, 8, 32, 16, page.HeaderSize)
	require.NoError(t, err)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	eng := &olu.Engine{Dev: dev, Geo: geo}
	prim := pageprim.New(dev, geo, eng, false)

	pixs := make([]common.PageIx, n)
	for i := range pixs {
		pix, err := prim.AllocateData(context.Background(), common.ObjID(1), common.SpanIx(i), nil, 0, true)
		require.NoError(t, err)
		pixs[i] = pix
	}
	return prim, pixs
}

func TestReadFillsFrameOnMiss(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("cached bytes")))

	c := New(prim, prim.Geo.DataPageSize(), 4)
	buf, err := c.Read(ctx, pixs[0], false)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached bytes"), buf[:len("cached bytes")])
}

func TestReadServesFromFrameWithoutHittingDeviceAgain(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("hit me once")))

	c := New(prim, prim.Geo.DataPageSize(), 4)
	_, err := c.Read(ctx, pixs[0], false)
	require.NoError(t, err)

	dev := prim.Dev.(*memhal.Device)
	before := dev.Reads
	_, err = c.Read(ctx, pixs[0], false)
	require.NoError(t, err)
	assert.Equal(t, before, dev.Reads, "a cache hit must not touch the device")
}

func TestReadLu2BypassesCache(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("direct")))

	c := New(prim, prim.Geo.DataPageSize(), 4)
	dev := prim.Dev.(*memhal.Device)
	before := dev.Reads
	_, err := c.Read(ctx, pixs[0], true)
	require.NoError(t, err)
	assert.Greater(t, dev.Reads, before, "lu2 must always reach the device")
}

func TestInvalidateForcesRefillOnNextRead(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	// Flash writes only clear bits: "v3" then "v2" leaves "v2" on media.
	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("v3")))

	c := New(prim, prim.Geo.DataPageSize(), 4)
	_, err := c.Read(ctx, pixs[0], false)
	require.NoError(t, err)

	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("v2")))
	c.Invalidate(pixs[0])

	buf, err := c.Read(ctx, pixs[0], false)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), buf[:2])
}

func TestReadLRUEvictsOldestReadFrameWhenPoolFull(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 3)
	for i, pix := range pixs {
		require.NoError(t, prim.WriteData(ctx, pix, 0, []byte{byte(i)}))
	}

	c := New(prim, prim.Geo.DataPageSize(), 2)
	_, err := c.Read(ctx, pixs[0], false)
	require.NoError(t, err)
	_, err = c.Read(ctx, pixs[1], false)
	require.NoError(t, err)
	// Touch pixs[0] again so pixs[1] becomes the least-recently-used frame.
	_, err = c.Read(ctx, pixs[0], false)
	require.NoError(t, err)
	_, err = c.Read(ctx, pixs[2], false)
	require.NoError(t, err)

	liveFrames := 0
	for i := range c.frames {
		if c.frames[i].kind == frameRead && c.frames[i].pix == pixs[1] {
			liveFrames++
		}
	}
	assert.Zero(t, liveFrames, "the least-recently-used frame (pixs[1]) should have been evicted")
}

func TestAcquireWriteReusesExistingFrameForSameObjectAndPage(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h1, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	h1.Buffer([]byte("abc"))

	h2, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, 3, int(c.frames[h2.idx].len), "acquiring the same (objID, pix) must return the same frame")
}

func TestWriteHandleBufferRespectsRemainingCapacity(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], prim.Geo.DataPageSize()-2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.Remaining())

	n := h.Buffer([]byte("abcd"))
	assert.Equal(t, 2, n, "Buffer must clamp to the frame's remaining capacity")
	assert.EqualValues(t, 0, h.Remaining())
}

func TestFlushWritesBufferedBytesAndFreesFrame(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	h.Buffer([]byte("flush me"))
	require.NoError(t, h.Flush(ctx))

	assert.Equal(t, frameFree, c.frames[h.idx].kind)

	got := make([]byte, len("flush me"))
	require.NoError(t, prim.ReadData(ctx, pixs[0], 0, got))
	assert.Equal(t, []byte("flush me"), got)
}

func TestFlushAtNonZeroOffsetWritesToTheCorrectMediaPosition(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 1)
	// Bytes 4-5 stay erased: flash writes only clear bits, so "XY" must
	// land on untouched bytes to read back unchanged.
	require.NoError(t, prim.WriteData(ctx, pixs[0], 0, []byte("0123")))
	require.NoError(t, prim.WriteData(ctx, pixs[0], 6, []byte("6789")))
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 4)
	require.NoError(t, err)
	h.Buffer([]byte("XY"))
	require.NoError(t, h.Flush(ctx))

	got := make([]byte, 10)
	require.NoError(t, prim.ReadData(ctx, pixs[0], 0, got))
	assert.Equal(t, []byte("0123XY6789"), got, "Buffer's accepted bytes must land at the frame's media offset, not at buf[0]")
}

func TestAcquireWriteEvictsLRUWriteFrameWhenPoolFull(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 3)
	c := New(prim, prim.Geo.DataPageSize(), 2)

	h0, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	h0.Buffer([]byte("zero"))
	h1, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[1], 0)
	require.NoError(t, err)
	h1.Buffer([]byte("one"))

	// pixs[0]'s frame is the LRU write frame; acquiring a third page must
	// flush it to make room.
	_, err = c.AcquireWrite(ctx, common.ObjID(1), pixs[2], 0)
	require.NoError(t, err)

	got := make([]byte, len("zero"))
	require.NoError(t, prim.ReadData(ctx, pixs[0], 0, got))
	assert.Equal(t, []byte("zero"), got, "the evicted write frame must have been flushed first")
}

func TestFlushObjectOnlyFlushesMatchingObject(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 2)
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h1, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	h1.Buffer([]byte("obj1"))
	h2, err := c.AcquireWrite(ctx, common.ObjID(2), pixs[1], 0)
	require.NoError(t, err)
	h2.Buffer([]byte("obj2"))

	require.NoError(t, c.FlushObject(ctx, common.ObjID(1)))

	assert.Equal(t, frameFree, c.frames[h1.idx].kind)
	assert.Equal(t, frameWrite, c.frames[h2.idx].kind)
}

func TestFlushAllFlushesEveryWriteFrame(t *testing.T) {
	ctx := context.Background()
	prim, pixs := testPages(t, 2)
	c := New(prim, prim.Geo.DataPageSize(), 4)

	h1, err := c.AcquireWrite(ctx, common.ObjID(1), pixs[0], 0)
	require.NoError(t, err)
	h1.Buffer([]byte("a"))
	h2, err := c.AcquireWrite(ctx, common.ObjID(2), pixs[1], 0)
	require.NoError(t, err)
	h2.Buffer([]byte("b"))

	require.NoError(t, c.FlushAll(ctx))
	assert.Equal(t, frameFree, c.frames[h1.idx].kind)
	assert.Equal(t, frameFree, c.frames[h2.idx].kind)
}
