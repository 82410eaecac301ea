package common

// EventOp enumerates the index-mutation events the object index manager
// broadcasts to its subscribers (the FD table, attached index maps, and
// an optional user callback).
type EventOp uint8

const (
	EventNew EventOp = iota
	EventUpdate
	EventUpdateHeader
	EventDelete
	EventMove
)

func (op EventOp) String() string {
	switch op {
	case EventNew:
		return "NEW"
	case EventUpdate:
		return "UPD"
	case EventUpdateHeader:
		return "UPD_HDR"
	case EventDelete:
		return "DEL"
	case EventMove:
		return "MOV"
	default:
		return "UNKNOWN"
	}
}

// Event describes one index mutation: obj_id/span_ix identify the logical
// location, NewPix/NewSize carry the post-mutation state. Name is only
// populated on span-0 events, for the user FileCallback's benefit.
type Event struct {
	Op      EventOp
	ObjID   ObjID
	SpanIx  SpanIx
	NewPix  PageIx
	NewSize uint32
	Name    string
}

// FileOp is the coarser create/update/delete notification surfaced to
// user code via SetFileCallback — only emitted for span-0 (header) events.
type FileOp uint8

const (
	FileCreated FileOp = iota
	FileUpdated
	FileDeleted
)

// FileCallback is the optional user hook set with Filesystem.SetFileCallback.
type FileCallback func(op FileOp, obj ObjID, name string)

// AsFileOp translates a span-0 index Event into the coarser FileOp the
// public callback sees, or ok=false if ev is not a span-0 event.
func AsFileOp(ev Event) (FileOp, bool) {
	if ev.SpanIx != 0 {
		return 0, false
	}
	switch ev.Op {
	case EventNew:
		return FileCreated, true
	case EventUpdate, EventUpdateHeader, EventMove:
		return FileUpdated, true
	case EventDelete:
		return FileDeleted, true
	default:
		return 0, false
	}
}

// Subscriber receives every Event emitted by the index manager. FDs
// subscribe on open, unsubscribe on close; index maps subscribe while
// attached.
type Subscriber interface {
	OnEvent(ev Event)
}
