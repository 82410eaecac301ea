package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
	"github.com/zhukovaskychina/psramfs/server/psramfs/memhal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

func testRig(t *testing.T, blockCount uint32) (*Engine, *index.Manager, *memhal.Device) {
	t.Helper()
	geo, err := geometry.New(256, 4096, blockCount, 32, 16, page.HeaderSize)
	require.NoError(t, err)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)

	eng := &olu.Engine{Dev: dev, Geo: geo}
	for b := common.BlockIx(0); uint32(b) < geo.BlockCount; b++ {
		require.NoError(t, dev.Erase(context.Background(), uint32(b)*geo.BlockSize, geo.BlockSize))
		require.NoError(t, eng.WriteEraseCount(context.Background(), b, 0))
	}
	eng.FreeBlocks = geo.BlockCount

	prim := pageprim.New(dev, geo, eng, false)
	idx := index.New(prim, eng, geo)
	g := New(eng, prim, idx, geo)
	eng.LowFreeHook = func(ctx context.Context) error { return g.QuickGC(ctx, 0) }
	idx.ReserveHook = g.Reserve
	return g, idx, dev
}

func createFile(t *testing.T, idx *index.Manager, objID common.ObjID, name string, body []byte) *index.State {
	t.Helper()
	pix, err := idx.Create(context.Background(), objID, name, nil, common.ObjTypeFile)
	require.NoError(t, err)
	st, err := idx.Load(context.Background(), objID, pix)
	require.NoError(t, err)
	_, err = idx.Append(context.Background(), st, 0, body)
	require.NoError(t, err)
	return st
}

func TestQuickGCReturnsErrNoDeletedBlocksWhenNothingToReclaim(t *testing.T) {
	ctx := context.Background()
	g, _, _ := testRig(t, 8)

	err := g.QuickGC(ctx, 0)
	assert.ErrorIs(t, err, common.ErrNoDeletedBlocks)
}

func TestQuickGCReclaimsAllDeletedBlock(t *testing.T) {
	ctx := context.Background()
	g, idx, _ := testRig(t, 8)

	// Fill block 0 entirely with one-page files, then delete every one of
	// them so the block holds only DELETED entries.
	dps := g.Geo.DataPages
	for i := uint32(0); i < dps; i++ {
		st := createFile(t, idx, common.ObjID(i+1), string(rune('a'+i)), []byte{byte(i)})
		require.NoError(t, idx.Truncate(ctx, st, 0, true))
	}

	require.NoError(t, g.QuickGC(ctx, 0))

	live, deleted, free, err := g.OLU.CountBlockStats(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, live)
	assert.Zero(t, deleted)
	assert.Equal(t, dps, free)
}

func TestReserveCleansWhenFreeBlocksLow(t *testing.T) {
	ctx := context.Background()
	g, idx, _ := testRig(t, 8)
	g.FreeBlockOK = 100 // force Reserve to always attempt cleaning

	st := createFile(t, idx, common.ObjID(1), "a.bin", []byte("keepme"))
	st2 := createFile(t, idx, common.ObjID(2), "b.bin", []byte("deleteme"))
	require.NoError(t, idx.Truncate(ctx, st2, 0, true))

	require.NoError(t, g.Reserve(ctx, 1))

	// The surviving object's bytes must still read back correctly after
	// any relocation clean() performed on its block.
	got := make([]byte, len("keepme"))
	_, err := idx.Read(ctx, st, 0, got, false)
	require.NoError(t, err)
	assert.Equal(t, "keepme", string(got))
}

func TestReserveReturnsErrFullWhenNoRoomCanBeMade(t *testing.T) {
	ctx := context.Background()
	g, idx, _ := testRig(t, 3)
	g.FreeBlockOK = 100

	// Cram the volume with live (non-deletable) files until creation fails.
	for i := 0; ; i++ {
		_, err := idx.Create(ctx, common.ObjID(i+1), string(rune('a'+i%26)), nil, common.ObjTypeFile)
		if err != nil {
			break
		}
	}

	err := g.Reserve(ctx, g.Geo.DataPages*g.Geo.BlockCount)
	assert.ErrorIs(t, err, common.ErrFull)
}

func TestFindCandidatePicksBlockWithDeletedEntries(t *testing.T) {
	ctx := context.Background()
	g, idx, _ := testRig(t, 8)

	stA := createFile(t, idx, common.ObjID(1), "a.bin", []byte("x"))
	require.NoError(t, idx.Truncate(ctx, stA, 0, true))

	block, ok, err := g.findCandidate(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, common.BlockIx(0), block)
}
