// Package mount implements format/mount/probe/check of spec.md §4.8: the
// volume lifecycle sitting above the object-lookup engine, page
// primitives, object index and garbage collector.
package mount

import (
	"context"

	juju "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/logger"
	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/gc"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/hal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
	"github.com/zhukovaskychina/psramfs/server/psramfs/pageprim"
)

// magicSeed is the fixed constant folded into every block's magic value.
const magicSeed = 0x20140529

// magicFor computes the per-block magic value: the page size ties it to
// this build's geometry, the (blockCount-bix) term makes it strictly
// decreasing block-to-block so probe() can recover blockCount from it.
func magicFor(pageSize, blockCount uint32, bix common.BlockIx) uint32 {
	return magicSeed ^ pageSize ^ (blockCount - uint32(bix))
}

// Options controls optional mount-time features.
type Options struct {
	SecureErase bool
	UseMagic    bool
}

// Volume is a fully mounted filesystem core: every subsystem wired
// together, ready for the fs layer to build a public API on top of.
type Volume struct {
	Dev hal.Device
	Geo geometry.Geometry
	Opt Options

	OLU  *olu.Engine
	Prim *pageprim.Primitives
	Idx  *index.Manager
	GC   *gc.Engine
}

// Format erases every block and stamps a clean erase_count/magic onto
// each, per spec.md §4.8: "clear max_erase_count to 0 before each erase so
// every block records 0."
func Format(ctx context.Context, dev hal.Device, geo geometry.Geometry, opt Options) error {
	eng := &olu.Engine{Dev: dev, Geo: geo}
	for b := common.BlockIx(0); uint32(b) < geo.BlockCount; b++ {
		addr := uint32(b) * geo.BlockSize
		if err := dev.Erase(ctx, addr, geo.BlockSize); err != nil {
			return errors.Wrap(err, "mount: format erase block")
		}
		if err := eng.WriteEraseCount(ctx, b, 0); err != nil {
			return err
		}
		if opt.UseMagic {
			if err := eng.WriteMagic(ctx, b, magicFor(geo.PageSize, geo.BlockCount, b)); err != nil {
				return err
			}
		}
	}
	logger.Infof("mount: formatted %d blocks", geo.BlockCount)
	return nil
}

// Mount runs the OLU scan of spec.md §4.8 and wires every subsystem
// together: the object-lookup engine, page primitives, object index
// manager and GC engine, with GC's QuickGC/Reserve installed as the
// engine's/index manager's low-free/append-growth hooks.
func Mount(ctx context.Context, dev hal.Device, geo geometry.Geometry, opt Options) (*Volume, error) {
	eng := &olu.Engine{Dev: dev, Geo: geo}

	const freeSentinel = uint32(common.FreeID)
	unerasedBix := common.BlockIx(-1)
	eraseMin, eraseMax := freeSentinel, uint32(0)
	seenAny := false

	for b := common.BlockIx(0); uint32(b) < geo.BlockCount; b++ {
		if opt.UseMagic {
			magic, err := eng.ReadMagic(ctx, b)
			if err != nil {
				return nil, err
			}
			if magic != magicFor(geo.PageSize, geo.BlockCount, b) {
				if unerasedBix < 0 {
					unerasedBix = b
				} else {
					return nil, common.ErrNotAFS
				}
			}
		}
		ec, err := eng.ReadEraseCount(ctx, b)
		if err != nil {
			return nil, err
		}
		if ec != freeSentinel {
			seenAny = true
			if ec < eraseMin {
				eraseMin = ec
			}
			if ec > eraseMax {
				eraseMax = ec
			}
		}
	}

	switch {
	case !seenAny:
		eng.MaxEraseCount = 0
	case uint64(eraseMax-eraseMin) > uint64(freeSentinel)/2:
		eng.MaxEraseCount = eraseMin + 1 // wrapped
	default:
		eng.MaxEraseCount = eraseMax + 1
	}

	if unerasedBix >= 0 {
		logger.Warnf("mount: block %d left mid-erase by a prior power loss, re-erasing", unerasedBix)
		addr := uint32(unerasedBix) * geo.BlockSize
		if err := dev.Erase(ctx, addr, geo.BlockSize); err != nil {
			return nil, errors.Wrap(err, "mount: repair unerased block")
		}
		if err := eng.WriteEraseCount(ctx, unerasedBix, eng.MaxEraseCount); err != nil {
			return nil, err
		}
		if opt.UseMagic {
			if err := eng.WriteMagic(ctx, unerasedBix, magicFor(geo.PageSize, geo.BlockCount, unerasedBix)); err != nil {
				return nil, err
			}
		}
		eng.MaxEraseCount++
	}

	for b := common.BlockIx(0); uint32(b) < geo.BlockCount; b++ {
		live, deleted, free, err := eng.CountBlockStats(ctx, b)
		if err != nil {
			return nil, err
		}
		eng.StatsAllocated += uint64(live)
		eng.StatsDeleted += uint64(deleted)
		if live == 0 && deleted == 0 && free == geo.DataPages {
			eng.FreeBlocks++
		}
	}

	prim := pageprim.New(dev, geo, eng, opt.SecureErase)
	idx := index.New(prim, eng, geo)
	gcEngine := gc.New(eng, prim, idx, geo)

	eng.LowFreeHook = func(ctx context.Context) error { return gcEngine.QuickGC(ctx, 0) }
	idx.ReserveHook = gcEngine.Reserve

	logger.Infof("mount: ok, %d free blocks, max_erase_count=%d", eng.FreeBlocks, eng.MaxEraseCount)
	return &Volume{Dev: dev, Geo: geo, Opt: opt, OLU: eng, Prim: prim, Idx: idx, GC: gcEngine}, nil
}

// Probe reads the first three blocks' magic values and infers the
// volume's total size, without a geometry's block_count known in
// advance — spec.md §4.8: "require a decreasing sequence with step 1,
// tolerate exactly one interrupted-erase block; infer total size from
// the magic's embedded length field."
func Probe(ctx context.Context, dev hal.Device, pageSize, blockSize uint32) (uint32, error) {
	probeGeo, err := geometry.New(pageSize, blockSize, 3, 1, 0, page.HeaderSize)
	if err != nil {
		return 0, errors.Wrap(err, "mount: probe geometry")
	}
	eng := &olu.Engine{Dev: dev, Geo: probeGeo}
	reference := magicFor(pageSize, 0, 0)

	var magic [3]uint32
	var bixCount [3]uint32
	for bix := 0; bix < 3; bix++ {
		m, err := eng.ReadMagic(ctx, common.BlockIx(bix))
		if err != nil {
			return 0, err
		}
		magic[bix] = m
		bixCount[bix] = m ^ reference
	}

	const eraseSentinel = uint32(common.FreeID)
	switch {
	case bixCount[0] < 3:
		return 0, common.ErrProbeTooFewBlocks
	case magic[0] == eraseSentinel && bixCount[1]-bixCount[2] == 1:
		return (bixCount[1] + 1) * blockSize, nil
	case magic[1] == eraseSentinel && bixCount[0]-bixCount[2] == 2:
		return bixCount[0] * blockSize, nil
	case magic[2] == eraseSentinel && bixCount[0]-bixCount[1] == 1:
		return bixCount[0] * blockSize, nil
	case bixCount[0]-bixCount[1] == 1 && bixCount[1]-bixCount[2] == 1:
		return bixCount[0] * blockSize, nil
	default:
		return 0, common.ErrProbeNotAFS
	}
}

// CheckKind identifies which of check()'s three passes a finding came
// from.
type CheckKind int

const (
	CheckLookup CheckKind = iota
	CheckIndex
	CheckPage
)

func (k CheckKind) String() string {
	switch k {
	case CheckLookup:
		return "lookup"
	case CheckIndex:
		return "index"
	case CheckPage:
		return "page"
	default:
		return "unknown"
	}
}

// CheckCallback is check()'s check_cb: invoked once per finding, whether
// or not it could be repaired in place.
type CheckCallback func(kind CheckKind, objID common.ObjID, err error)

// Check runs the three consistency passes of spec.md §4.8 against v,
// repairing what it safely can (orphan data pages, half-deleted headers)
// and reporting everything else through cb. It returns nil if every
// finding was repaired, or an aggregate error (built with juju/errors, so
// ErrorStack keeps the annotation chain of the last unresolved finding)
// otherwise.
func Check(ctx context.Context, v *Volume, cb CheckCallback) error {
	var unresolved []error
	report := func(kind CheckKind, id common.ObjID, err error, fixed bool) {
		if cb != nil {
			cb(kind, id, err)
		}
		if !fixed {
			unresolved = append(unresolved, juju.Annotatef(err, "%s check on obj %d", kind, id))
		}
	}

	if err := checkLookupOrder(ctx, v, report); err != nil {
		return err
	}
	if err := checkIndexDuplicates(ctx, v, report); err != nil {
		return err
	}
	if err := checkPageReferences(ctx, v, report); err != nil {
		return err
	}

	if len(unresolved) == 0 {
		return nil
	}
	last := unresolved[len(unresolved)-1]
	logger.Errorf("check: %d unresolved inconsistencies; last: %s", len(unresolved), juju.ErrorStack(last))
	return juju.Errorf("check: %d unresolved inconsistencies, last: %v", len(unresolved), last)
}

// checkLookupOrder verifies invariant I1: within each block, the OLU
// sequence is (live|deleted)* FREE*. It cannot repair a violation (doing
// so would mean inventing which slot is actually current), only report.
func checkLookupOrder(ctx context.Context, v *Volume, report func(CheckKind, common.ObjID, error, bool)) error {
	for b := common.BlockIx(0); uint32(b) < v.Geo.BlockCount; b++ {
		seenFree := false
		for e := common.EntryIx(0); uint32(e) < v.Geo.DataPages; e++ {
			id, err := v.OLU.ReadEntry(ctx, b, e)
			if err != nil {
				return err
			}
			if id.IsFree() {
				seenFree = true
				continue
			}
			if seenFree {
				report(CheckLookup, id, errors.Errorf("mount: block %d entry %d is non-free after a free slot", b, e), false)
			}
		}
	}
	return nil
}

// checkIndexDuplicates finds object-index pages sharing the same (bare
// obj_id, span_ix) — the signature of a move() that committed its
// destination but crashed before deleting the source (spec.md §4.3). The
// lowest-addressed page_ix is assumed to be the stale source and is
// deleted, keeping the other.
func checkIndexDuplicates(ctx context.Context, v *Volume, report func(CheckKind, common.ObjID, error, bool)) error {
	type key struct {
		id   common.ObjID
		span uint32
	}
	seen := make(map[key]common.PageIx)

	for b := common.BlockIx(0); uint32(b) < v.Geo.BlockCount; b++ {
		for e := common.EntryIx(0); uint32(e) < v.Geo.DataPages; e++ {
			id, err := v.OLU.ReadEntry(ctx, b, e)
			if err != nil {
				return err
			}
			if !id.IsLive() || !id.IsIndex() {
				continue
			}
			pix := v.OLU.PageIx(b, e)
			hdr, err := v.Prim.ReadHeader(ctx, pix)
			if err != nil {
				return err
			}
			if !hdr.Flags.IsFinalized() {
				continue
			}
			k := key{id: id.Bare(), span: hdr.SpanIx}
			prior, dup := seen[k]
			if !dup {
				seen[k] = pix
				continue
			}
			stale, newer := prior, pix
			if stale > newer {
				stale, newer = newer, stale
				seen[k] = newer
			}
			if err := v.Prim.Delete(ctx, stale); err != nil {
				report(CheckIndex, id.Bare(), err, false)
				continue
			}
			report(CheckIndex, id.Bare(), errors.Errorf("mount: duplicate index span %d, deleted stale copy at pix %d", hdr.SpanIx, stale), true)
		}
	}
	return nil
}

// checkPageReferences verifies invariant I2: every live data page is
// referenced by exactly one live index entry. A page whose owning header
// cannot be found at all (the object itself is gone) is an orphan and is
// deleted; a page whose header exists but whose index entry disagrees is
// reported for the caller to resolve (repairing it would need the
// truncate/append history that check() does not have).
func checkPageReferences(ctx context.Context, v *Volume, report func(CheckKind, common.ObjID, error, bool)) error {
	for b := common.BlockIx(0); uint32(b) < v.Geo.BlockCount; b++ {
		for e := common.EntryIx(0); uint32(e) < v.Geo.DataPages; e++ {
			id, err := v.OLU.ReadEntry(ctx, b, e)
			if err != nil {
				return err
			}
			if !id.IsLive() || id.IsIndex() {
				continue
			}
			pix := v.OLU.PageIx(b, e)
			hdr, err := v.Prim.ReadHeader(ctx, pix)
			if err != nil {
				return err
			}
			if !hdr.Flags.IsFinalized() || !hdr.Flags.IsUsed() {
				report(CheckPage, id, common.ErrNotFinalized, false)
				continue
			}

			headerPix, err := v.Idx.FindHeader(ctx, id)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					if derr := v.Prim.Delete(ctx, pix); derr != nil {
						report(CheckPage, id, derr, false)
						continue
					}
					report(CheckPage, id, common.ErrIndexRefInvalid, true)
					continue
				}
				return err
			}

			st, err := v.Idx.Load(ctx, id, headerPix)
			if err != nil {
				return err
			}
			wantSpan, slot := spanAndSlotFor(v.Geo, hdr.SpanIx)
			if err := v.Idx.LoadSpan(ctx, st, wantSpan); err != nil {
				if errors.Is(err, common.ErrNotFound) {
					report(CheckPage, id, common.ErrIndexRefInvalid, false)
					continue
				}
				return err
			}
			if st.Entries[slot] != pix {
				report(CheckPage, id, common.ErrIndexRefLU, false)
			}
		}
	}
	return nil
}

func spanAndSlotFor(geo geometry.Geometry, dataSpanIx uint32) (uint32, uint32) {
	inHeader, indexSpan, offset := geo.DataSpanLocation(dataSpanIx)
	if inHeader {
		return 0, offset
	}
	return indexSpan, offset
}
