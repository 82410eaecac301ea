package olu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/memhal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
)

func testEngine(t *testing.T) (*Engine, *memhal.Device) {
	t.Helper()
	geo, err := geometry.New(256, 4096, 8, 32, 16, page.HeaderSize)
	require.NoError(t, err)
	dev := memhal.New(geo.BlockSize*geo.BlockCount, geo.BlockSize)
	return &Engine{Dev: dev, Geo: geo}, dev
}

func TestVisitStopsAtFirstFreeEntryInBlock(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.ObjID(2)))
	// entry 2 stays FREE (all-ones, the erased default).

	var seen []common.EntryIx
	err := e.Visit(ctx, Cursor{}, true, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		seen = append(seen, entry)
		return VisitContinue, nil
	})
	assert.ErrorIs(t, err, common.ErrNotFound)
	// Block 0 stops at its FREE entry 2; each of the remaining 7 blocks is
	// FREE from entry 0, so only that entry is visited there.
	assert.Equal(t, []common.EntryIx{0, 1, 2, 0, 0, 0, 0, 0, 0, 0}, seen)
}

func TestVisitStopReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.ObjID(2)))

	calls := 0
	err := e.Visit(ctx, Cursor{}, true, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		calls++
		return VisitStop, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestVisitPropagatesVisitorErrorUnwrapped(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))

	err := e.Visit(ctx, Cursor{}, true, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		return VisitStop, common.ErrConflictName
	})
	assert.ErrorIs(t, err, common.ErrConflictName)
}

func TestVisitWrapsAroundVolumeUnlessNoWrap(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	// Make every entry in every block live, so Visit never stops early on
	// a FREE slot and instead genuinely runs off the end of the last
	// block.
	for block := common.BlockIx(0); uint32(block) < e.Geo.BlockCount; block++ {
		for entry := common.EntryIx(0); uint32(entry) < e.Geo.DataPages; entry++ {
			require.NoError(t, e.WriteEntry(ctx, block, entry, common.ObjID(1)))
		}
	}

	lastBlock := common.BlockIx(e.Geo.BlockCount - 1)
	lastEntry := common.EntryIx(e.Geo.DataPages - 1)
	start := Cursor{Block: lastBlock, Entry: lastEntry}

	calls := 0
	err := e.Visit(ctx, start, true, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		calls++
		return VisitContinue, nil
	})
	assert.ErrorIs(t, err, common.ErrNotFound, "noWrap must stop at the volume end")
	assert.Equal(t, 1, calls)

	var wrapped Cursor
	seen := 0
	err = e.Visit(ctx, start, false, func(block common.BlockIx, entry common.EntryIx, id common.ObjID) (VisitResult, error) {
		seen++
		if seen == 2 {
			wrapped = Cursor{Block: block, Entry: entry}
			return VisitStop, nil
		}
		return VisitContinue, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Cursor{Block: 0, Entry: 0}, wrapped, "past the volume end, Visit wraps back to block 0")
}

func TestFindFreeLocatesFirstFreeSlot(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))

	c, err := e.FindFree(ctx, Cursor{}, true)
	require.NoError(t, err)
	assert.Equal(t, Cursor{Block: 0, Entry: 1}, c)
	assert.Equal(t, c, e.FreeCursor)
}

func TestFindFreeReturnsErrFullWhenExhausted(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	for block := common.BlockIx(0); uint32(block) < e.Geo.BlockCount; block++ {
		for entry := common.EntryIx(0); uint32(entry) < e.Geo.DataPages; entry++ {
			require.NoError(t, e.WriteEntry(ctx, block, entry, common.ObjID(1)))
		}
	}

	_, err := e.FindFree(ctx, Cursor{}, true)
	assert.ErrorIs(t, err, common.ErrFull)
}

func TestFindFreeRunsLowFreeHookWhenFreeBlocksLow(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	e.FreeBlocks = 1
	called := false
	e.LowFreeHook = func(ctx context.Context) error {
		called = true
		return nil
	}

	_, err := e.FindFree(ctx, Cursor{}, true)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestFindFreeSkipsLowFreeHookWhileCleaning(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	e.FreeBlocks = 1
	e.SetCleaning(true)
	called := false
	e.LowFreeHook = func(ctx context.Context) error {
		called = true
		return nil
	}

	_, err := e.FindFree(ctx, Cursor{}, true)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestWriteEntryDecrementsFreeBlocksOnFirstOccupation(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	e.FreeBlocks = e.Geo.BlockCount

	require.NoError(t, e.WriteEntry(ctx, 2, 0, common.ObjID(7)))
	assert.Equal(t, e.Geo.BlockCount-1, e.FreeBlocks, "the block's first occupied entry must drop FreeBlocks by one")

	require.NoError(t, e.WriteEntry(ctx, 2, 1, common.ObjID(8)))
	assert.Equal(t, e.Geo.BlockCount-1, e.FreeBlocks, "a later entry in an already-occupied block must not double-count")
}

func TestWriteEntryDeletingEntryZeroDoesNotReDecrementFreeBlocks(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	e.FreeBlocks = e.Geo.BlockCount

	require.NoError(t, e.WriteEntry(ctx, 2, 0, common.ObjID(7)))
	require.Equal(t, e.Geo.BlockCount-1, e.FreeBlocks)

	require.NoError(t, e.WriteEntry(ctx, 2, 0, common.DeletedID))
	assert.Equal(t, e.Geo.BlockCount-1, e.FreeBlocks, "marking an already-occupied entry 0 deleted is not a fresh occupation")
}

func TestWriteEntryNeverDecrementsFreeBlocksBelowZero(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	e.FreeBlocks = 0

	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))
	assert.Zero(t, e.FreeBlocks)
}

func TestFindIDLocatesLiveSlotAndUpdatesCursor(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	// Occupied entries form a prefix (I1), so entries 0-2 hold other ids.
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(7)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.ObjID(8)))
	require.NoError(t, e.WriteEntry(ctx, 0, 2, common.ObjID(9)))
	require.NoError(t, e.WriteEntry(ctx, 0, 3, common.ObjID(42)))

	pix, err := e.FindID(ctx, common.ObjID(42), Cursor{}, true)
	require.NoError(t, err)
	assert.Equal(t, e.PageIx(0, 3), pix)
	assert.Equal(t, Cursor{Block: 0, Entry: 3}, e.Cursor)
}

func TestFindIDNotFound(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))

	_, err := e.FindID(ctx, common.ObjID(77), Cursor{}, true)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFindIDAndSpanSkipsExcludedPage(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(5)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.ObjID(5)))

	excluded := e.PageIx(0, 0)
	pix, err := e.FindIDAndSpan(ctx, common.ObjID(5), 0, excluded, nil)
	require.NoError(t, err)
	assert.Equal(t, e.PageIx(0, 1), pix)
}

func TestFindIDAndSpanFiltersByHeader(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(5)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.ObjID(5)))

	finalizedUsed := page.AllSet &^ (page.FlagUsed | page.FlagFinal)
	byHeader := func(ctx context.Context, pix common.PageIx) (page.Header, error) {
		block, entry := e.BlockAndEntry(pix)
		if block == 0 && entry == 1 {
			return page.Header{ObjID: 5, SpanIx: 2, Flags: finalizedUsed}, nil
		}
		return page.Header{ObjID: 5, SpanIx: 0, Flags: finalizedUsed}, nil
	}

	pix, err := e.FindIDAndSpan(ctx, common.ObjID(5), 2, common.NoPage, byHeader)
	require.NoError(t, err)
	assert.Equal(t, e.PageIx(0, 1), pix)
}

func TestCountBlockStatsCategorizesEntries(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)
	require.NoError(t, e.WriteEntry(ctx, 0, 0, common.ObjID(1)))
	require.NoError(t, e.WriteEntry(ctx, 0, 1, common.DeletedID))
	// entry 2.. stay FREE.

	live, deleted, free, err := e.CountBlockStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), live)
	assert.Equal(t, uint32(1), deleted)
	assert.Equal(t, e.Geo.DataPages-2, free)
}

func TestBlockAndEntryInvertsPageIx(t *testing.T) {
	e, _ := testEngine(t)
	pix := e.PageIx(3, 5)
	block, entry := e.BlockAndEntry(pix)
	assert.Equal(t, common.BlockIx(3), block)
	assert.Equal(t, common.EntryIx(5), entry)
}

func TestEraseCountAndMagicRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	require.NoError(t, e.WriteEraseCount(ctx, 2, 7))
	count, err := e.ReadEraseCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), count)

	require.NoError(t, e.WriteMagic(ctx, 2, 0xABCD1234))
	magic, err := e.ReadMagic(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCD1234), magic)
}
