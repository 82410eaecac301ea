// Package index implements the object index manager of spec.md §4.4: the
// index-header page, chained index pages, and the create/append/modify/
// truncate/read algorithms that keep an object's page_ix array consistent
// across crashes.
package index

import (
	"encoding/binary"

	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/geometry"
)

// HeaderPayload is the span-0 index page's payload (spec.md §3(C), §6):
// size, type, name, an optional metadata blob, then the first tranche of
// data-page pointers.
type HeaderPayload struct {
	Size    uint32
	Type    common.ObjType
	Name    string
	Meta    []byte
	PageIxs []common.PageIx
}

// Encode serialises h against geo's field widths, little-endian.
func (h HeaderPayload) Encode(geo geometry.Geometry) []byte {
	buf := make([]byte, geo.PageSize-geo.PageHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	buf[4] = byte(h.Type)

	nameBuf := buf[5 : 5+geo.NameLen]
	copy(nameBuf, h.Name)
	// nameBuf is zero-initialised already (NUL-terminated by construction).

	metaOff := 5 + geo.NameLen
	if geo.MetaLen > 0 {
		metaBuf := buf[metaOff : metaOff+geo.MetaLen]
		copy(metaBuf, h.Meta)
	}

	ixOff := metaOff + geo.MetaLen
	for i := uint32(0); i < geo.ObjHdrIxLen; i++ {
		v := ^uint32(0) // common.NoPage as stored on media (all ones)
		if int(i) < len(h.PageIxs) {
			v = uint32(h.PageIxs[i])
		}
		binary.LittleEndian.PutUint32(buf[ixOff+i*4:ixOff+i*4+4], v)
	}
	return buf
}

// DecodeHeaderPayload parses buf (of length geo.PageSize-geo.PageHeaderSize)
// into a HeaderPayload.
func DecodeHeaderPayload(buf []byte, geo geometry.Geometry) HeaderPayload {
	h := HeaderPayload{
		Size: binary.LittleEndian.Uint32(buf[0:4]),
		Type: common.ObjType(buf[4]),
	}
	nameBuf := buf[5 : 5+geo.NameLen]
	if nul := indexByte(nameBuf, 0); nul >= 0 {
		h.Name = string(nameBuf[:nul])
	} else {
		h.Name = string(nameBuf)
	}

	metaOff := 5 + geo.NameLen
	if geo.MetaLen > 0 {
		h.Meta = append([]byte(nil), buf[metaOff:metaOff+geo.MetaLen]...)
	}

	ixOff := metaOff + geo.MetaLen
	h.PageIxs = make([]common.PageIx, geo.ObjHdrIxLen)
	for i := uint32(0); i < geo.ObjHdrIxLen; i++ {
		h.PageIxs[i] = common.PageIx(int32(binary.LittleEndian.Uint32(buf[ixOff+i*4 : ixOff+i*4+4])))
	}
	return h
}

// PagePayload is a chained (span > 0) index page's payload: a further
// tranche of data-page pointers.
type PagePayload struct {
	PageIxs []common.PageIx
}

func (p PagePayload) Encode(geo geometry.Geometry) []byte {
	buf := make([]byte, geo.PageSize-geo.PageHeaderSize)
	for i := uint32(0); i < geo.ObjIxLen; i++ {
		v := ^uint32(0) // common.NoPage as stored on media (all ones)
		if int(i) < len(p.PageIxs) {
			v = uint32(p.PageIxs[i])
		}
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

func DecodePagePayload(buf []byte, geo geometry.Geometry) PagePayload {
	p := PagePayload{PageIxs: make([]common.PageIx, geo.ObjIxLen)}
	for i := uint32(0); i < geo.ObjIxLen; i++ {
		p.PageIxs[i] = common.PageIx(int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4])))
	}
	return p
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
