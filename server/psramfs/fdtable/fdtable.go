// Package fdtable implements the file-descriptor table of spec.md §4.6: a
// fixed-size slot array with temporal-locality caching, so re-opening a
// recently-closed name skips the OLU scan and seeks straight to its last
// known (block, entry).
package fdtable

import (
	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/index"
	"github.com/zhukovaskychina/psramfs/server/psramfs/olu"
	"github.com/zhukovaskychina/psramfs/util"
)

// OpenFlags mirrors the POSIX-like open() bitset of spec.md §6.
type OpenFlags uint16

const (
	OCreat OpenFlags = 1 << iota
	OExcl
	OTrunc
	OAppend
	ORdonly
	OWronly
	ORdwr
	ODirect
)

// NameHash hashes a path/name the same way for every open, so temporal
// matching in find_new can compare hashes instead of full strings.
func NameHash(name string) uint64 {
	return util.HashCode([]byte(name))
}

// FD is one descriptor-table entry. FileNbr == 0 means the slot is closed.
// Score and NameHash persist across close so a later reopen of the same
// name can seek() straight to Seek instead of scanning the OLU from 0.
type FD struct {
	FileNbr  uint32
	State    *index.State
	Flags    OpenFlags
	Offset   uint32 // logical read/write cursor
	FdOffset uint32 // write-cache staging offset, owned by cache.WriteHandle
	CachePix common.PageIx

	NameHash uint64
	Seek     olu.Cursor
	Score    uint8
}

func (fd *FD) closed() bool { return fd.FileNbr == 0 }

// Table is the fixed-size slot pool. Temporal controls whether find_new
// prefers a name-hash match over the lowest score.
type Table struct {
	slots    []FD
	Temporal bool
	nextNbr  uint32
}

// New allocates a Table with the given slot count.
func New(count int, temporal bool) *Table {
	return &Table{slots: make([]FD, count), Temporal: temporal, nextNbr: 1}
}

// FindNew claims a closed slot for name, per spec.md §4.6: in temporal
// mode every closed slot's score ages by one first; a hash match is
// preferred (its remembered Seek cursor becomes the OLU search hint),
// otherwise the lowest-scored closed slot is reused; outside temporal mode
// the first closed slot wins.
func (t *Table) FindNew(name string) (*FD, error) {
	hash := NameHash(name)

	if !t.Temporal {
		for i := range t.slots {
			if t.slots[i].closed() {
				return t.claim(&t.slots[i], hash), nil
			}
		}
		return nil, common.ErrOutOfFileDescs
	}

	var hashMatch *FD
	var lowest *FD
	for i := range t.slots {
		s := &t.slots[i]
		if !s.closed() {
			continue
		}
		if s.Score > 0 {
			s.Score--
		}
		if s.NameHash == hash && hashMatch == nil {
			hashMatch = s
		}
		if lowest == nil || s.Score < lowest.Score {
			lowest = s
		}
	}

	switch {
	case hashMatch != nil:
		return t.claim(hashMatch, hash), nil
	case lowest != nil:
		return t.claim(lowest, hash), nil
	default:
		return nil, common.ErrOutOfFileDescs
	}
}

func (t *Table) claim(fd *FD, hash uint64) *FD {
	seek := fd.Seek // preserved across the reuse so the caller can seek-hint the OLU scan
	*fd = FD{FileNbr: t.nextNbr, NameHash: hash, Seek: seek, Score: 255}
	t.nextNbr++
	if t.nextNbr == 0 {
		t.nextNbr = 1
	}
	return fd
}

// Release closes fd, remembering its name hash and OLU seek cursor for a
// future temporal match.
func (t *Table) Release(fd *FD, seek olu.Cursor) {
	fd.FileNbr = 0
	fd.Seek = seek
	fd.State = nil
}

// ByFileNbr finds the live FD with the given handle, or nil.
func (t *Table) ByFileNbr(nbr uint32) *FD {
	if nbr == 0 {
		return nil
	}
	for i := range t.slots {
		if t.slots[i].FileNbr == nbr {
			return &t.slots[i]
		}
	}
	return nil
}

// ForEachOpen calls fn for every currently-open descriptor; used by the
// index manager's event dispatch to patch cached pix/size/offset in place.
func (t *Table) ForEachOpen(fn func(fd *FD)) {
	for i := range t.slots {
		if !t.slots[i].closed() {
			fn(&t.slots[i])
		}
	}
}

// OnEvent implements common.Subscriber: it patches every open descriptor
// referencing the mutated object, and releases the FD's cache on delete.
func (t *Table) OnEvent(ev common.Event) {
	t.ForEachOpen(func(fd *FD) {
		if fd.State == nil || fd.State.ObjID != ev.ObjID {
			return
		}
		switch ev.Op {
		case common.EventDelete:
			fd.State = nil
			fd.CachePix = common.NoPage
		case common.EventNew, common.EventUpdate, common.EventUpdateHeader, common.EventMove:
			if ev.SpanIx == 0 {
				fd.State.HeaderPix = ev.NewPix
				if ev.NewSize != common.UndefinedSize {
					fd.State.Size = ev.NewSize
				}
			}
		}
	})
}
