// Package gc implements the garbage collector of spec.md §4.7: a cheap
// quick-reclaim pass used when find_free runs dry, and an incremental,
// scored clean used by gc_check to make room for a pending write.
package gc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

// Default candidate-scoring weights and iteration bound, spec.md §4.7.
const (
	DefaultMaxRuns     = 16
	DefaultWDeleted    = 3
	DefaultWUsed       = 1
	DefaultWEraseAge   = 1
	DefaultFreeBlockOK = 3
)

// Engine cleans a mounted volume's blocks. It is wired to
// olu.Engine.LowFreeHook (quick GC on a failed find_free) and
// index.Manager.ReserveHook (incremental GC before a growing append).
type Engine struct {
	OLU  *olu.Engine
	Prim *pageprim.Primitives
	Idx  *index.Manager
	Geo  geometry.Geometry

	MaxRuns    int
	WDeleted   int64
	WUsed      int64
	WEraseAge  int64
	FreeBlockOK uint32

	// Crammed suppresses the erase-age term of the score (the volume is so
	// full that wear levelling takes a back seat to raw reclaim yield) and
	// enables the abort after two consecutive no-progress runs.
	Crammed bool
}

// New builds an Engine with spec.md's default weights.
func New(olu *olu.Engine, prim *pageprim.Primitives, idx *index.Manager, geo geometry.Geometry) *Engine {
	return &Engine{
		OLU: olu, Prim: prim, Idx: idx, Geo: geo,
		MaxRuns: DefaultMaxRuns, WDeleted: DefaultWDeleted, WUsed: DefaultWUsed,
		WEraseAge: DefaultWEraseAge, FreeBlockOK: DefaultFreeBlockOK,
	}
}

func (g *Engine) freePages() uint32 {
	used := g.OLU.StatsAllocated + g.OLU.StatsDeleted
	total := uint64(g.Geo.DataPages) * uint64(g.Geo.BlockCount-2)
	if used >= total {
		return 0
	}
	return uint32(total - used)
}

// QuickGC scans every block and erases any whose OLU is entirely DELETED
// entries followed by at most maxFreePages FREE entries — no live-page
// relocation required. It is the hook olu.Engine.FindFree runs when
// FreeBlocks drops below 2.
func (g *Engine) QuickGC(ctx context.Context, maxFreePages uint32) error {
	reclaimed := false
	for b := common.BlockIx(0); uint32(b) < g.Geo.BlockCount; b++ {
		live, _, free, err := g.OLU.CountBlockStats(ctx, b)
		if err != nil {
			return err
		}
		if live == 0 && free <= maxFreePages {
			if err := g.eraseBlock(ctx, b); err != nil {
				return err
			}
			reclaimed = true
		}
	}
	if !reclaimed {
		return common.ErrNoDeletedBlocks
	}
	return nil
}

// Reserve is gc_check: it estimates whether neededPages more pages can be
// written without cleaning, and if not, cleans the best-scoring blocks
// (up to MaxRuns) until there is room or the volume is FULL.
func (g *Engine) Reserve(ctx context.Context, neededPages uint32) error {
	free := g.freePages()
	if g.OLU.FreeBlocks > g.FreeBlockOK && neededPages <= free {
		return nil
	}
	if uint64(neededPages) > uint64(free)+g.OLU.StatsDeleted {
		return common.ErrFull
	}

	noProgress := 0
	for run := 0; run < g.MaxRuns; run++ {
		block, ok, err := g.findCandidate(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		progressed, err := g.clean(ctx, block)
		if err != nil {
			return err
		}
		if progressed {
			noProgress = 0
		} else {
			noProgress++
			if noProgress >= 2 && g.Crammed {
				break
			}
		}

		free = g.freePages()
		if g.OLU.FreeBlocks > g.FreeBlockOK && neededPages <= free {
			return nil
		}
	}

	if neededPages > free {
		return common.ErrFull
	}
	return nil
}

// findCandidate scores every block with at least one deleted entry and
// returns the highest-scoring one.
func (g *Engine) findCandidate(ctx context.Context) (common.BlockIx, bool, error) {
	best := common.BlockIx(-1)
	var bestScore int64 = -1
	for b := common.BlockIx(0); uint32(b) < g.Geo.BlockCount; b++ {
		_, deleted, _, err := g.OLU.CountBlockStats(ctx, b)
		if err != nil {
			return 0, false, err
		}
		if deleted == 0 {
			continue
		}
		score, err := g.candidateScore(ctx, b)
		if err != nil {
			return 0, false, err
		}
		if score > bestScore {
			bestScore = score
			best = b
		}
	}
	return best, best >= 0, nil
}

func (g *Engine) candidateScore(ctx context.Context, b common.BlockIx) (int64, error) {
	live, deleted, _, err := g.OLU.CountBlockStats(ctx, b)
	if err != nil {
		return 0, err
	}
	score := int64(deleted)*g.WDeleted + int64(live)*g.WUsed
	if !g.Crammed {
		ec, err := g.OLU.ReadEraseCount(ctx, b)
		if err != nil {
			return 0, err
		}
		age := int64(g.OLU.MaxEraseCount) - int64(ec)
		if age < 0 {
			age += 1 << 32
		}
		score += age * g.WEraseAge
	}
	return score, nil
}

// clean evacuates every live page from block, then erases it. Data pages
// are physically relocated and their owning index entry patched; index
// pages (header or chained) are relocated via the index manager so their
// move is visible to subscribers. An orphaned data page (no live index
// entry references it) is simply deleted. Reports whether anything in the
// block actually changed.
func (g *Engine) clean(ctx context.Context, block common.BlockIx) (bool, error) {
	progressed := false

	for entry := common.EntryIx(0); uint32(entry) < g.Geo.DataPages; entry++ {
		id, err := g.OLU.ReadEntry(ctx, block, entry)
		if err != nil {
			return progressed, err
		}
		if id.IsFree() {
			break // FREE is terminal within a block (spec.md I1)
		}
		if id.IsDeleted() {
			continue
		}

		pix := g.OLU.PageIx(block, entry)
		hdr, err := g.Prim.ReadHeader(ctx, pix)
		if err != nil {
			return progressed, err
		}
		bare := id.Bare()
		spanIx := hdr.SpanIx

		if !id.IsIndex() {
			headerPix, ferr := g.Idx.FindHeader(ctx, bare)
			if ferr != nil {
				if errors.Is(ferr, common.ErrNotFound) {
					if derr := g.Prim.Delete(ctx, pix); derr != nil {
						return progressed, derr
					}
					progressed = true
					continue
				}
				return progressed, ferr
			}
			st, lerr := g.Idx.Load(ctx, bare, headerPix)
			if lerr != nil {
				return progressed, lerr
			}
			newPix, merr := g.Prim.Move(ctx, pix, nil)
			if merr != nil {
				return progressed, merr
			}
			if perr := g.Idx.PatchEntry(ctx, st, spanIx, newPix); perr != nil {
				return progressed, perr
			}
			if g.Idx.Cache != nil {
				g.Idx.Cache.Invalidate(pix)
			}
			progressed = true
			continue
		}

		headerPix, ferr := g.Idx.FindHeader(ctx, bare)
		if ferr != nil {
			return progressed, ferr
		}
		st, lerr := g.Idx.Load(ctx, bare, headerPix)
		if lerr != nil {
			return progressed, lerr
		}
		if spanIx != 0 {
			if err := g.Idx.LoadSpan(ctx, st, spanIx); err != nil {
				return progressed, err
			}
		}
		if rerr := g.Idx.Relocate(ctx, st); rerr != nil {
			return progressed, rerr
		}
		progressed = true
	}

	if progressed {
		if err := g.eraseBlock(ctx, block); err != nil {
			return progressed, err
		}
	}
	return progressed, nil
}

// eraseBlock drops the block's deleted entries from the OLU's deleted-page
// count, erases the block, stamps it with the engine's running
// max erase count (not the block's own prior count: every freshly erased
// block records the highest count seen across the whole volume, so wear
// stays comparable block-to-block), then bumps that running counter,
// wrapping at the INDEX flag bit same as an object id would. Nudges the
// OLU free cursor off the block if it pointed inside it.
func (g *Engine) eraseBlock(ctx context.Context, block common.BlockIx) error {
	_, deleted, _, err := g.OLU.CountBlockStats(ctx, block)
	if err != nil {
		return err
	}
	addr := uint32(block) * g.Geo.BlockSize
	if err := g.OLU.Dev.Erase(ctx, addr, g.Geo.BlockSize); err != nil {
		return errors.Wrap(err, "gc: erase block")
	}
	if uint64(deleted) > g.OLU.StatsDeleted {
		g.OLU.StatsDeleted = 0
	} else {
		g.OLU.StatsDeleted -= uint64(deleted)
	}
	if err := g.OLU.WriteEraseCount(ctx, block, g.OLU.MaxEraseCount); err != nil {
		return err
	}
	g.OLU.MaxEraseCount++
	if g.OLU.MaxEraseCount == uint32(common.IndexFlag) {
		g.OLU.MaxEraseCount = 0
	}
	g.OLU.FreeBlocks++

	if g.OLU.FreeCursor.Block == block {
		next := block + 1
		if uint32(next) >= g.Geo.BlockCount {
			next = 0
		}
		g.OLU.FreeCursor = olu.Cursor{Block: next, Entry: 0}
	}
	return nil
}
