// Package fs implements the public filesystem surface of spec.md §6,
// wiring the object-lookup engine, page primitives, object index manager
// and garbage collector (all assembled by mount.Mount) together with the
// file-descriptor table, the optional page cache and optional per-fd
// index maps.
//
// Every exported method takes the caller-supplied HAL lock on entry and
// releases it on every return path, per spec.md §4.1/§5: the filesystem
// is single-threaded beyond that lock, and nested public calls from the
// same goroutine are not supported.
package fs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/psramfs/logger"
	"github.com/zhukovaskychina/psramfs/server/psramfs/cache"
	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/fdtable"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
	"github.com/zhukovaskychina/psramfs/server/psramfs/hal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
	"github.com/zhukovaskychina/psramfs/server/psramfs/ixmap"
	"github.com/zhukovaskychina/psramfs/server/psramfs/mount"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/server/psramfs/page"
)

// Whence values for Lseek, spec.md §6.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Config bundles the tunables a caller fixes at Format/Mount time.
type Config struct {
	PageSize   uint32
	BlockSize  uint32
	BlockCount uint32
	NameLen    uint32
	MetaLen    uint32

	SecureErase bool
	UseMagic    bool

	FDCount     int
	Temporal    bool
	CacheFrames int
}

// Stat is the metadata snapshot returned by Stat/Fstat.
type Stat struct {
	ObjID common.ObjID
	Pix   common.PageIx
	Size  uint32
	Type  common.ObjType
	Name  string
	Meta  []byte
}

// Dirent is one entry yielded by Readdir, carrying enough to Open it
// directly via OpenByDirent without a second name scan.
type Dirent struct {
	ObjID common.ObjID
	Pix   common.PageIx
	Name  string
	Size  uint32
	Type  common.ObjType
}

// Dir is a readdir cursor: a snapshot taken at Opendir time, since the
// object index has no separate directory structure to page through
// (spec.md §3: a flat namespace of index headers).
type Dir struct {
	entries []Dirent
	pos     int
}

// Filesystem is the top-level handle a caller mounts once and then drives
// through its exported methods.
type Filesystem struct {
	dev  hal.Device
	lock hal.Locker
	cfg  Config
	geo  geometry.Geometry

	mounted bool
	vol     *mount.Volume
	fds     *fdtable.Table
	cache   *cache.Cache
	maps    map[uint32]*ixmap.Map // keyed by FileNbr
}

// New builds an unmounted Filesystem over dev. lock serialises every
// public call; a nil lock is replaced with hal.NopLocker for
// single-goroutine callers.
func New(dev hal.Device, lock hal.Locker, cfg Config) *Filesystem {
	if lock == nil {
		lock = hal.NopLocker{}
	}
	return &Filesystem{dev: dev, lock: lock, cfg: cfg, maps: make(map[uint32]*ixmap.Map)}
}

func (fs *Filesystem) buildGeometry() (geometry.Geometry, error) {
	return geometry.New(fs.cfg.PageSize, fs.cfg.BlockSize, fs.cfg.BlockCount, fs.cfg.NameLen, fs.cfg.MetaLen, page.HeaderSize)
}

// Format erases and stamps every block of a fresh volume.
func (fs *Filesystem) Format(ctx context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.mounted {
		return common.ErrMounted
	}
	geo, err := fs.buildGeometry()
	if err != nil {
		return err
	}
	opt := mount.Options{SecureErase: fs.cfg.SecureErase, UseMagic: fs.cfg.UseMagic}
	if err := mount.Format(ctx, fs.dev, geo, opt); err != nil {
		return err
	}
	fs.geo = geo
	return nil
}

// Mount scans the volume and wires every subsystem together: the object
// index manager's ReserveHook into gc.Engine.Reserve, the OLU's
// LowFreeHook into gc.Engine.QuickGC (both done inside mount.Mount), the
// fd table as an index event subscriber, the optional page cache into the
// index manager, and the index map lookup hook.
func (fs *Filesystem) Mount(ctx context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.mounted {
		return common.ErrMounted
	}
	geo, err := fs.buildGeometry()
	if err != nil {
		return err
	}
	opt := mount.Options{SecureErase: fs.cfg.SecureErase, UseMagic: fs.cfg.UseMagic}
	vol, err := mount.Mount(ctx, fs.dev, geo, opt)
	if err != nil {
		return err
	}

	fdCount := fs.cfg.FDCount
	if fdCount <= 0 {
		fdCount = 4
	}
	fds := fdtable.New(fdCount, fs.cfg.Temporal)
	vol.Idx.Subscribe(fds)

	fs.geo = geo
	fs.vol = vol
	fs.fds = fds
	fs.maps = make(map[uint32]*ixmap.Map)
	vol.Idx.IxMapLookup = fs.ixMapLookup

	if fs.cfg.CacheFrames > 0 {
		fs.cache = cache.New(vol.Prim, geo.DataPageSize(), fs.cfg.CacheFrames)
		vol.Idx.Cache = fs.cache
	} else {
		fs.cache = nil
	}

	fs.mounted = true
	logger.Infof("fs: mounted, %d fds, %d cache frames", fdCount, fs.cfg.CacheFrames)
	return nil
}

// Unmount flushes every pending write-back frame and drops the mounted
// state. A subsequent Mount re-scans the volume from scratch.
func (fs *Filesystem) Unmount(ctx context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	if fs.cache != nil {
		if err := fs.cache.FlushAll(ctx); err != nil {
			return err
		}
	}
	fs.vol, fs.fds, fs.cache = nil, nil, nil
	fs.maps = make(map[uint32]*ixmap.Map)
	fs.mounted = false
	logger.Infof("fs: unmounted")
	return nil
}

// Probe infers a volume's total size from three blocks' magic values,
// without a caller-supplied block_count. Does not require the filesystem
// to be mounted (it is normally called before Mount to size the device).
func (fs *Filesystem) Probe(ctx context.Context, pageSize, blockSize uint32) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return mount.Probe(ctx, fs.dev, pageSize, blockSize)
}

// Check runs the three-pass consistency sweep of spec.md §4.8.
func (fs *Filesystem) Check(ctx context.Context, cb mount.CheckCallback) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	return mount.Check(ctx, fs.vol, cb)
}

// Info reports total and used bytes across the volume's usable data pages
// (excluding the two spare blocks GC keeps in reserve).
func (fs *Filesystem) Info(ctx context.Context) (total, used uint32, err error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, 0, common.ErrNotMounted
	}
	dps := fs.geo.DataPageSize()
	total = fs.geo.TotalDataPages() * dps
	used = uint32(fs.vol.OLU.StatsAllocated) * dps
	return total, used, nil
}

// GCQuick runs a block-level reclaim pass with no live-page relocation.
func (fs *Filesystem) GCQuick(ctx context.Context, maxFreePages uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	return fs.vol.GC.QuickGC(ctx, maxFreePages)
}

// GC makes room for a pending write of size bytes, cleaning scored
// candidate blocks until it fits or the volume is FULL.
func (fs *Filesystem) GC(ctx context.Context, size uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	dps := fs.geo.DataPageSize()
	pages := size / dps
	if size%dps != 0 {
		pages++
	}
	return fs.vol.GC.Reserve(ctx, pages)
}

// SetFileCallback installs the user hook notified on span-0 create/
// update/delete events.
func (fs *Filesystem) SetFileCallback(cb common.FileCallback) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.vol != nil {
		fs.vol.Idx.UserCallback = cb
	}
}

// ixMapLookup is index.Manager.IxMapLookup: it answers from whichever
// attached index map (if any) covers objID's dataSpanIx.
func (fs *Filesystem) ixMapLookup(objID common.ObjID, dataSpanIx uint32) (common.PageIx, bool) {
	for _, m := range fs.maps {
		if m.ObjID == objID {
			if pix, ok := m.Lookup(dataSpanIx); ok {
				return pix, true
			}
		}
	}
	return common.NoPage, false
}

// findByName linearly scans every live object-index header for name,
// mirroring the original's psramfs_obj_lu_find_entry_visitor-driven open
// path (spec.md §3/§9: flat namespace, no separate directory structure).
func (fs *Filesystem) findByName(ctx context.Context, name string) (common.PageIx, *index.State, error) {
	var resultPix common.PageIx = common.NoPage
	var resultSt *index.State
	err := fs.vol.OLU.Visit(ctx, olu.Cursor{}, false, func(b common.BlockIx, e common.EntryIx, id common.ObjID) (olu.VisitResult, error) {
		if !id.IsLive() || !id.IsIndex() {
			return olu.VisitContinue, nil
		}
		pix := fs.vol.OLU.PageIx(b, e)
		hdr, herr := fs.vol.Prim.ReadHeader(ctx, pix)
		if herr != nil {
			return olu.VisitContinue, nil
		}
		if hdr.SpanIx != 0 || !hdr.Flags.IsFinalized() || !hdr.Flags.IsUsed() || hdr.Flags.IsDeleted() || hdr.Flags.IsIxDeleted() {
			return olu.VisitContinue, nil
		}
		st, lerr := fs.vol.Idx.Load(ctx, id.Bare(), pix)
		if lerr != nil {
			return olu.VisitContinue, nil
		}
		if st.Name != name {
			return olu.VisitContinue, nil
		}
		resultPix, resultSt = pix, st
		return olu.VisitStop, nil
	})
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return common.NoPage, nil, err
	}
	if resultPix == common.NoPage {
		return common.NoPage, nil, common.ErrNotFound
	}
	return resultPix, resultSt, nil
}

// findFreeObjID picks the lowest unused bare object id, in the spirit of
// psramfs_obj_lu_find_free_obj_id's bitmap scan (simplified here to a
// plain set, since a Go build is not limited to one page-sized work
// buffer the way the original's constant-RAM scan was). When
// conflictName is non-empty it also rejects a name collision against any
// live header found during the same scan, matching the original's
// combined free-id/conflicting-name pass.
func (fs *Filesystem) findFreeObjID(ctx context.Context, conflictName string) (common.ObjID, error) {
	maxObjects := fs.geo.BlockCount * fs.geo.DataPages / 2
	if maxObjects == 0 {
		maxObjects = 1
	}
	used := make(map[common.ObjID]bool, maxObjects)

	err := fs.vol.OLU.Visit(ctx, olu.Cursor{}, false, func(b common.BlockIx, e common.EntryIx, id common.ObjID) (olu.VisitResult, error) {
		if !id.IsLive() {
			return olu.VisitContinue, nil
		}
		if conflictName != "" && id.IsIndex() {
			pix := fs.vol.OLU.PageIx(b, e)
			hdr, herr := fs.vol.Prim.ReadHeader(ctx, pix)
			if herr == nil && hdr.SpanIx == 0 && hdr.Flags.IsFinalized() && !hdr.Flags.IsDeleted() && !hdr.Flags.IsIxDeleted() {
				if st, lerr := fs.vol.Idx.Load(ctx, id.Bare(), pix); lerr == nil && st.Name == conflictName {
					return olu.VisitStop, common.ErrConflictName
				}
			}
		}
		used[id.Bare()] = true
		return olu.VisitContinue, nil
	})
	if err != nil {
		if err == common.ErrConflictName {
			return 0, common.ErrConflictName
		}
		if !errors.Is(err, common.ErrNotFound) {
			return 0, err
		}
	}

	for id := common.ObjID(1); uint32(id) <= maxObjects; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, common.ErrFull
}

func (fs *Filesystem) checkName(name string) error {
	if uint32(len(name)+1) > fs.geo.NameLen {
		return common.ErrNameTooLong
	}
	return nil
}

// Creat creates a new, empty object and returns its object id without
// opening a descriptor for it.
func (fs *Filesystem) Creat(ctx context.Context, name string, typ common.ObjType) (common.ObjID, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	if err := fs.checkName(name); err != nil {
		return 0, err
	}
	if _, _, err := fs.findByName(ctx, name); err == nil {
		return 0, common.ErrExists
	} else if !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}
	objID, err := fs.findFreeObjID(ctx, name)
	if err != nil {
		return 0, err
	}
	if _, err := fs.vol.Idx.Create(ctx, objID, name, nil, typ); err != nil {
		return 0, err
	}
	return objID, nil
}

// Open resolves name to an existing object, or creates one when O_CREAT
// is set, and claims a descriptor for it.
func (fs *Filesystem) Open(ctx context.Context, name string, flags fdtable.OpenFlags) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	if err := fs.checkName(name); err != nil {
		return 0, err
	}

	pix, st, err := fs.findByName(ctx, name)
	switch {
	case err == nil:
		if flags&fdtable.OCreat != 0 && flags&fdtable.OExcl != 0 {
			return 0, common.ErrExists
		}
	case errors.Is(err, common.ErrNotFound):
		if flags&fdtable.OCreat == 0 {
			return 0, common.ErrNotFound
		}
		objID, ferr := fs.findFreeObjID(ctx, name)
		if ferr != nil {
			return 0, ferr
		}
		newPix, cerr := fs.vol.Idx.Create(ctx, objID, name, nil, common.ObjTypeFile)
		if cerr != nil {
			return 0, cerr
		}
		st, err = fs.vol.Idx.Load(ctx, objID, newPix)
		if err != nil {
			return 0, err
		}
		pix = newPix
	default:
		return 0, err
	}

	if flags&fdtable.OTrunc != 0 && st.Size != 0 && st.Size != common.UndefinedSize {
		if err := fs.vol.Idx.Truncate(ctx, st, 0, false); err != nil {
			return 0, err
		}
	}

	return fs.claim(name, st, flags, pix)
}

// OpenByDirent opens the object a prior Readdir call yielded, skipping a
// second name scan.
func (fs *Filesystem) OpenByDirent(ctx context.Context, d Dirent, flags fdtable.OpenFlags) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	st, err := fs.vol.Idx.Load(ctx, d.ObjID, d.Pix)
	if err != nil {
		return 0, err
	}
	return fs.claim(d.Name, st, flags, d.Pix)
}

// OpenByPage opens the object whose header lives at headerPix, for a
// caller that already knows the page index (e.g. from a prior Stat).
func (fs *Filesystem) OpenByPage(ctx context.Context, headerPix common.PageIx, flags fdtable.OpenFlags) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	hdr, err := fs.vol.Prim.ReadHeader(ctx, headerPix)
	if err != nil {
		return 0, err
	}
	if hdr.SpanIx != 0 || !hdr.Flags.IsFinalized() || hdr.Flags.IsDeleted() || hdr.Flags.IsIxDeleted() {
		return 0, common.ErrNotFound
	}
	objID := common.ObjID(hdr.ObjID)
	st, err := fs.vol.Idx.Load(ctx, objID, headerPix)
	if err != nil {
		return 0, err
	}
	return fs.claim(st.Name, st, flags, headerPix)
}

func (fs *Filesystem) claim(name string, st *index.State, flags fdtable.OpenFlags, headerPix common.PageIx) (uint32, error) {
	fd, err := fs.fds.FindNew(name)
	if err != nil {
		return 0, err
	}
	fd.State = st
	fd.Flags = flags
	fd.Offset = 0
	fd.CachePix = common.NoPage
	block, entry := fs.vol.OLU.BlockAndEntry(headerPix)
	fd.Seek = olu.Cursor{Block: block, Entry: entry}
	return fd.FileNbr, nil
}

func (fs *Filesystem) fd(fh uint32) (*fdtable.FD, error) {
	fd := fs.fds.ByFileNbr(fh)
	if fd == nil || fd.State == nil {
		return nil, common.ErrBadDescriptor
	}
	return fd, nil
}

// flushWriteBack commits fd's pending write-back frame (if any) to media.
func (fs *Filesystem) flushWriteBack(ctx context.Context, fd *fdtable.FD) error {
	if fs.cache == nil || fd.CachePix == common.NoPage {
		return nil
	}
	wh, err := fs.cache.AcquireWrite(ctx, fd.State.ObjID, fd.CachePix, 0)
	if err != nil {
		return err
	}
	if err := wh.Flush(ctx); err != nil {
		return err
	}
	fd.CachePix = common.NoPage
	return nil
}

// Read fills buf starting at fd's cursor, advancing it by the number of
// bytes returned.
func (fs *Filesystem) Read(ctx context.Context, fh uint32, buf []byte) (int, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return 0, err
	}
	if fd.Flags&fdtable.ORdonly == 0 && fd.Flags&fdtable.ORdwr == 0 {
		return 0, common.ErrNotReadable
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return 0, err
	}
	lu2 := fd.Flags&fdtable.ODirect != 0
	n, err := fs.vol.Idx.Read(ctx, fd.State, fd.Offset, buf, lu2)
	fd.Offset += uint32(n)
	return n, err
}

// Write splits the request at the object's current size. Bytes within
// size always go through Modify, which replaces the affected page
// wholesale (read, splice, write fresh, delete old): a NOR/PSRAM device
// can only clear bits, so an in-place rewrite of already-written payload
// bytes is never safe, regardless of whether a cache is installed. Bytes
// beyond the current size grow the object through Append, whose own
// page-filling already coalesces consecutive Write calls into a page's
// still-virgin tail without needing a separate write-back buffer.
func (fs *Filesystem) Write(ctx context.Context, fh uint32, data []byte) (int, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return 0, err
	}
	if fd.Flags&fdtable.OWronly == 0 && fd.Flags&fdtable.ORdwr == 0 {
		return 0, common.ErrNotWritable
	}

	offset := fd.Offset
	if fd.Flags&fdtable.OAppend != 0 {
		offset = fd.State.Size
		if offset == common.UndefinedSize {
			offset = 0
		}
	}

	size := fd.State.Size
	if size == common.UndefinedSize {
		size = 0
	}
	dps := fs.geo.DataPageSize()

	total := 0
	for len(data) > 0 && offset < size {
		pageOffs := offset % dps
		n := uint32(len(data))
		if room := size - offset; n > room {
			n = room
		}
		if n > dps-pageOffs {
			n = dps - pageOffs
		}

		written, werr := fs.vol.Idx.Modify(ctx, fd.State, offset, data[:n])
		total += written
		offset += uint32(written)
		data = data[written:]
		fd.Offset = offset
		if werr != nil {
			return total, werr
		}
	}

	if len(data) > 0 {
		written, aerr := fs.vol.Idx.Append(ctx, fd.State, offset, data)
		total += written
		offset += uint32(written)
		fd.Offset = offset
		if aerr != nil {
			return total, aerr
		}
	}

	return total, nil
}

// Lseek repositions fd's cursor per whence (SeekSet/SeekCur/SeekEnd).
func (fs *Filesystem) Lseek(ctx context.Context, fh uint32, offset int64, whence int) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return 0, err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return 0, err
	}

	size := fd.State.Size
	if size == common.UndefinedSize {
		size = 0
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(fd.Offset)
	case SeekEnd:
		base = int64(size)
	default:
		return fd.Offset, common.ErrSeekBounds
	}

	newOffset := base + offset
	if newOffset < 0 || newOffset > int64(size) {
		return fd.Offset, common.ErrSeekBounds
	}
	fd.Offset = uint32(newOffset)
	return fd.Offset, nil
}

// Close flushes fd's write-back buffer and cache frames, detaches any
// attached index map, and releases the descriptor slot.
func (fs *Filesystem) Close(ctx context.Context, fh uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return err
	}
	if fs.cache != nil {
		if err := fs.cache.FlushObject(ctx, fd.State.ObjID); err != nil {
			return err
		}
	}
	if m, ok := fs.maps[fh]; ok {
		fs.vol.Idx.Unsubscribe(m)
		delete(fs.maps, fh)
	}

	block, entry := fs.vol.OLU.BlockAndEntry(fd.State.HeaderPix)
	fs.fds.Release(fd, olu.Cursor{Block: block, Entry: entry})
	return nil
}

// Fflush commits fd's write-back buffer and cache frames without closing
// it.
func (fs *Filesystem) Fflush(ctx context.Context, fh uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return err
	}
	if fs.cache != nil {
		return fs.cache.FlushObject(ctx, fd.State.ObjID)
	}
	return nil
}

// Eof reports whether fd's cursor has reached the object's size.
func (fs *Filesystem) Eof(fh uint32) (bool, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return false, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return false, err
	}
	size := fd.State.Size
	if size == common.UndefinedSize {
		size = 0
	}
	return fd.Offset >= size, nil
}

// Tell reports fd's current cursor.
func (fs *Filesystem) Tell(fh uint32) (uint32, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return 0, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return 0, err
	}
	return fd.Offset, nil
}

func statOf(pix common.PageIx, st *index.State) Stat {
	return Stat{ObjID: st.ObjID, Pix: pix, Size: st.Size, Type: st.Type, Name: st.Name, Meta: st.Meta}
}

// Stat resolves name and returns its metadata without opening it.
func (fs *Filesystem) Stat(ctx context.Context, name string) (Stat, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return Stat{}, common.ErrNotMounted
	}
	pix, st, err := fs.findByName(ctx, name)
	if err != nil {
		return Stat{}, err
	}
	return statOf(pix, st), nil
}

// Fstat returns an open descriptor's metadata.
func (fs *Filesystem) Fstat(ctx context.Context, fh uint32) (Stat, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return Stat{}, common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return Stat{}, err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return Stat{}, err
	}
	return statOf(fd.State.HeaderPix, fd.State), nil
}

// Ftruncate shrinks fd's object to newSize. Per spec.md I9, growing past
// the current size is rejected without touching media.
func (fs *Filesystem) Ftruncate(ctx context.Context, fh uint32, newSize uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return err
	}
	size := fd.State.Size
	if size == common.UndefinedSize {
		size = 0
	}
	if newSize > size {
		return common.ErrEndOfObject
	}
	return fs.vol.Idx.Truncate(ctx, fd.State, newSize, false)
}

// Remove deletes the named object outright.
func (fs *Filesystem) Remove(ctx context.Context, name string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	_, st, err := fs.findByName(ctx, name)
	if err != nil {
		return err
	}
	return fs.vol.Idx.Truncate(ctx, st, 0, true)
}

// Fremove deletes an open descriptor's object. The descriptor itself
// stays claimed (its State is cleared by the index manager's EventDelete
// notification, via fdtable.Table.OnEvent) until the caller Closes it.
func (fs *Filesystem) Fremove(ctx context.Context, fh uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	if err := fs.flushWriteBack(ctx, fd); err != nil {
		return err
	}
	return fs.vol.Idx.Truncate(ctx, fd.State, 0, true)
}

// Rename moves oldName to newName atomically with respect to readdir
// (spec.md I8): the header page is moved in a single flush, so any
// reader sees either the old or the new name, never neither.
func (fs *Filesystem) Rename(ctx context.Context, oldName, newName string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	if err := fs.checkName(newName); err != nil {
		return err
	}
	if _, _, err := fs.findByName(ctx, newName); err == nil {
		return common.ErrConflictName
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	_, st, err := fs.findByName(ctx, oldName)
	if err != nil {
		return err
	}
	_, err = fs.vol.Idx.UpdateIndexHdr(ctx, st, &newName, nil, nil)
	return err
}

// UpdateMeta replaces name's metadata blob.
func (fs *Filesystem) UpdateMeta(ctx context.Context, name string, meta []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	_, st, err := fs.findByName(ctx, name)
	if err != nil {
		return err
	}
	_, err = fs.vol.Idx.UpdateIndexHdr(ctx, st, nil, meta, nil)
	return err
}

// FupdateMeta replaces an open descriptor's metadata blob.
func (fs *Filesystem) FupdateMeta(ctx context.Context, fh uint32, meta []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	_, err = fs.vol.Idx.UpdateIndexHdr(ctx, fd.State, nil, meta, nil)
	return err
}

// Opendir snapshots every live top-level object as of now.
func (fs *Filesystem) Opendir(ctx context.Context) (*Dir, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return nil, common.ErrNotMounted
	}
	var entries []Dirent
	err := fs.vol.OLU.Visit(ctx, olu.Cursor{}, false, func(b common.BlockIx, e common.EntryIx, id common.ObjID) (olu.VisitResult, error) {
		if !id.IsLive() || !id.IsIndex() {
			return olu.VisitContinue, nil
		}
		pix := fs.vol.OLU.PageIx(b, e)
		hdr, herr := fs.vol.Prim.ReadHeader(ctx, pix)
		if herr != nil {
			return olu.VisitContinue, nil
		}
		if hdr.SpanIx != 0 || !hdr.Flags.IsFinalized() || !hdr.Flags.IsUsed() || hdr.Flags.IsDeleted() || hdr.Flags.IsIxDeleted() {
			return olu.VisitContinue, nil
		}
		st, lerr := fs.vol.Idx.Load(ctx, id.Bare(), pix)
		if lerr != nil {
			return olu.VisitContinue, nil
		}
		entries = append(entries, Dirent{ObjID: id.Bare(), Pix: pix, Name: st.Name, Size: st.Size, Type: st.Type})
		return olu.VisitContinue, nil
	})
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	return &Dir{entries: entries}, nil
}

// Readdir yields the next snapshotted entry, or ok=false once exhausted.
func (fs *Filesystem) Readdir(d *Dir) (Dirent, bool) {
	if d == nil || d.pos >= len(d.entries) {
		return Dirent{}, false
	}
	e := d.entries[d.pos]
	d.pos++
	return e, true
}

// Closedir releases a directory cursor. Provided for API symmetry with
// opendir/readdir; the snapshot in Dir needs no separate teardown.
func (fs *Filesystem) Closedir(d *Dir) {
	if d != nil {
		d.entries = nil
	}
}

// IxMap attaches an index-map accelerator to fh covering data spans
// [startSpan, endSpan).
func (fs *Filesystem) IxMap(ctx context.Context, fh uint32, startSpan, endSpan uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if !fs.mounted {
		return common.ErrNotMounted
	}
	fd, err := fs.fd(fh)
	if err != nil {
		return err
	}
	if _, ok := fs.maps[fh]; ok {
		return common.ErrIxMapMapped
	}
	m := ixmap.New(fs.vol.Idx, fd.State)
	if err := m.Populate(ctx, startSpan, endSpan); err != nil {
		return err
	}
	fs.maps[fh] = m
	fs.vol.Idx.Subscribe(m)
	return nil
}

// IxUnmap detaches fh's index map.
func (fs *Filesystem) IxUnmap(fh uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	m, ok := fs.maps[fh]
	if !ok {
		return common.ErrIxMapUnmapped
	}
	fs.vol.Idx.Unsubscribe(m)
	delete(fs.maps, fh)
	return nil
}

// IxRemap slides fh's index map to a new base span, preserving its width.
func (fs *Filesystem) IxRemap(ctx context.Context, fh uint32, newStartSpan uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	m, ok := fs.maps[fh]
	if !ok {
		return common.ErrIxMapUnmapped
	}
	return m.Remap(ctx, newStartSpan)
}

// BytesToIxMapEntries reports how many ix_map entries n bytes can hold.
func BytesToIxMapEntries(n int) int { return ixmap.BytesForEntries(n) }

// IxMapEntriesToBytes is the inverse of BytesToIxMapEntries.
func IxMapEntriesToBytes(n int) int { return ixmap.EntriesForBytes(n) }
