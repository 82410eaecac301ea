package common

import "errors"

// Pre-condition errors: returned without touching media.
var (
	ErrNotMounted     = errors.New("psramfs: not mounted")
	ErrNotConfigured  = errors.New("psramfs: not configured")
	ErrMounted        = errors.New("psramfs: already mounted")
	ErrNameTooLong    = errors.New("psramfs: name too long")
	ErrFileClosed     = errors.New("psramfs: file descriptor closed")
	ErrBadDescriptor  = errors.New("psramfs: bad file descriptor")
	ErrNotAFile       = errors.New("psramfs: not a file")
	ErrNotReadable    = errors.New("psramfs: descriptor not opened for reading")
	ErrNotWritable    = errors.New("psramfs: descriptor not opened for writing")
	ErrSeekBounds     = errors.New("psramfs: seek out of bounds")
	ErrConflictName   = errors.New("psramfs: conflicting name")
	ErrOutOfFileDescs = errors.New("psramfs: out of file descriptors")
)

// Quota / exhaustion errors.
var (
	ErrFull            = errors.New("psramfs: volume full")
	ErrNoDeletedBlocks = errors.New("psramfs: no deleted blocks to reclaim")
	ErrEndOfObject     = errors.New("psramfs: end of object")
)

// Lookup errors.
var (
	ErrNotFound = errors.New("psramfs: object not found")
	ErrExists   = errors.New("psramfs: object already exists")
)

// Media errors: the HAL failed; the caller should run check() before
// retrying.
var (
	ErrEraseFail = errors.New("psramfs: erase failed")
	ErrNotAFS    = errors.New("psramfs: not a psramfs volume")
)

// Probe errors.
var (
	ErrMagicNotPossible   = errors.New("psramfs: magic feature not possible at this geometry")
	ErrProbeNotAFS        = errors.New("psramfs: probe did not find a valid volume")
	ErrProbeTooFewBlocks  = errors.New("psramfs: probe requires at least 3 blocks")
)

// Structural errors surfaced by page/index consistency checks.
var (
	ErrIsFree            = errors.New("psramfs: page is free")
	ErrIsDeleted         = errors.New("psramfs: page is deleted")
	ErrNotFinalized      = errors.New("psramfs: page not finalized")
	ErrNotIndex          = errors.New("psramfs: expected an index page")
	ErrIsIndex           = errors.New("psramfs: expected a data page")
	ErrIndexSpanMismatch = errors.New("psramfs: index span mismatch")
	ErrDataSpanMismatch  = errors.New("psramfs: data span mismatch")
	ErrIndexRefFree      = errors.New("psramfs: index entry refers to a free page")
	ErrIndexRefLU        = errors.New("psramfs: index entry disagrees with the OLU entry")
	ErrIndexRefInvalid   = errors.New("psramfs: index entry out of range")
	ErrIndexFree         = errors.New("psramfs: index page is free")
	ErrIndexLU           = errors.New("psramfs: index page OLU entry mismatch")
	ErrIndexInvalid      = errors.New("psramfs: index page invalid")
)

// Index-map errors.
var (
	ErrIxMapMapped     = errors.New("psramfs: index map already mapped")
	ErrIxMapUnmapped   = errors.New("psramfs: index map not mapped")
	ErrIxMapBadRange   = errors.New("psramfs: index map range out of bounds")
)

// Read-only mode errors.
var (
	ErrRoNotImpl           = errors.New("psramfs: not implemented in read-only mode")
	ErrRoAbortedOperation  = errors.New("psramfs: operation aborted, volume is read-only")
)

// OpError wraps an underlying error with the operation and object it
// occurred on, in the shape of the teacher's BufferPoolError: a single
// field pair plus Unwrap so errors.Is/errors.As keep working through it.
type OpError struct {
	Op    string
	ObjID ObjID
	Err   error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": <nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap builds an *OpError, or returns nil if err is nil.
func Wrap(op string, id ObjID, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, ObjID: id, Err: err}
}
