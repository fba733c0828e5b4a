package page

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"

	"github.com/coredbio/coredb/internal/errs"
)

// Ctx is the codec's cookie, shared with the page manager hook
// (spec.md §4.A/§4.C).
type Ctx struct {
	PageSize  uint32
	NeedsSwap bool
}

// foreignOrder is the byte order PageIn/PageOut treat as "the other
// side" of ctx.NeedsSwap: this engine's own canonical in-memory/on-disk
// form is always big-endian (header.go), so a page written by a host
// of the opposite byte order is little-endian (spec.md §4.A).
var foreignOrder = binary.LittleEndian

// hostOrder is this codec's canonical byte order.
var hostOrder = binary.BigEndian

// ChecksumPage returns the page-level corruption-detection checksum
// (distinct from the WAL's own record checksum, spec.md §4.A domain
// stack addition) over the page body that follows the header.
func ChecksumPage(buf []byte) uint32 {
	if len(buf) <= HeaderSize {
		return 0
	}
	return xxhash.Checksum32(buf[HeaderSize:])
}

// PageIn converts a page's bytes from on-disk layout to host layout.
// It is a no-op when ctx.NeedsSwap is false (spec.md §4.A "If
// needs_swap is false, both operations are no-ops and return
// success"). Otherwise it first checks for a hash data page that was
// never written and initializes it in place instead of swapping it;
// failing that, it converts every multi-byte field from foreignOrder
// to hostOrder.
func PageIn(pageNo uint32, buf []byte, ctx Ctx) error {
	if !ctx.NeedsSwap {
		return nil
	}
	handled, err := pageInHashEmptyCheck(pageNo, buf, ctx)
	if err != nil || handled {
		return err
	}
	return swapPage(buf, ctx, foreignOrder, hostOrder)
}

// PageOut converts a page's bytes from host to on-disk layout. It is a
// no-op when ctx.NeedsSwap is false.
func PageOut(pageNo uint32, buf []byte, ctx Ctx) error {
	if !ctx.NeedsSwap {
		return nil
	}
	return swapPage(buf, ctx, hostOrder, foreignOrder)
}

// pageInHashEmptyCheck implements the one case where PageIn also
// writes: a hash data page that was never written (type zero, invalid
// page number) is initialized in place as an empty page rather than
// swapped (spec.md §4.A "the one case where this codec writes as well
// as reads"). It reports whether it recognized and handled that case.
func pageInHashEmptyCheck(pageNo uint32, buf []byte, ctx Ctx) (bool, error) {
	if len(buf) < HeaderSize {
		return false, errs.Trace(errs.ErrCorrupt)
	}
	if Type(buf[25]) != TypeInvalid || pageNo == 0 {
		return false, nil
	}
	var h Header
	h.Type = TypeLeaf
	h.HeapOffset = uint16(ctx.PageSize)
	h.PageNo = pageNo
	h.Encode(buf)
	return true, nil
}

// swapPage dispatches to the meta or generic swap routine based on the
// page's type byte (spec.md §4.A). from is the byte order buf's
// multi-byte fields are currently encoded in; to is the order they are
// rewritten in. The type byte itself is single-width and never moves.
func swapPage(buf []byte, ctx Ctx, from, to binary.ByteOrder) error {
	if len(buf) < HeaderSize {
		return errs.Trace(errs.ErrCorrupt)
	}
	t := Type(buf[25])
	if t.IsMeta() {
		return swapMetaPage(buf, from, to)
	}
	return swapGenericPage(buf, ctx, from, to)
}

func swapU16(buf []byte, from, to binary.ByteOrder) uint16 {
	v := from.Uint16(buf)
	to.PutUint16(buf, v)
	return v
}

func swapU32(buf []byte, from, to binary.ByteOrder) uint32 {
	v := from.Uint32(buf)
	to.PutUint32(buf, v)
	return v
}

// swapHeaderFields swaps the generic Header's multi-byte fields in
// place (lsn, page_no, prev_page, next_page, entries_count,
// heap_offset), leaving level and type — both single bytes — alone,
// and returns the entries count as read in `from` order, so callers
// can use it immediately regardless of swap direction.
func swapHeaderFields(buf []byte, from, to binary.ByteOrder) uint16 {
	swapU32(buf[0:4], from, to)
	swapU32(buf[4:8], from, to)
	swapU32(buf[8:12], from, to)
	swapU32(buf[12:16], from, to)
	swapU32(buf[16:20], from, to)
	entries := swapU16(buf[20:22], from, to)
	swapU16(buf[22:24], from, to)
	return entries
}

// swapMetaPage swaps the fixed meta prefix (spec.md §4.A): the generic
// header fields, then the method-independent u32/u16 meta fields.
// fileid is an opaque 16-byte identifier and is copied untouched. The
// tail for this engine is empty beyond MetaHeader's own fields:
// access-method-specific extensions live past MetaPrefixSize and are
// swapped by the access method itself, not this shared codec (spec.md
// §1 non-goal: "access-method specifics beyond B-tree/hash/overflow
// invariants").
func swapMetaPage(buf []byte, from, to binary.ByteOrder) error {
	if len(buf) < MetaPrefixSize {
		return errs.Trace(errs.ErrCorrupt)
	}
	swapHeaderFields(buf[:HeaderSize], from, to)

	off := HeaderSize
	swapU32(buf[off:off+4], from, to) // magic
	off += 4
	swapU32(buf[off:off+4], from, to) // version
	off += 4
	swapU32(buf[off:off+4], from, to) // pagesize
	off += 4
	swapU32(buf[off:off+4], from, to) // encrypt_alg
	off += 4
	swapU16(buf[off:off+2], from, to) // metaflags
	off += 2
	off += 16                         // fileid: opaque bytes, byte-order independent
	swapU32(buf[off:off+4], from, to) // uid
	off += 4
	swapU32(buf[off:off+4], from, to) // log_fileid
	off += 4
	swapU32(buf[off:off+4], from, to) // last_pgno
	off += 4
	swapU32(buf[off:off+4], from, to) // nparts
	off += 4
	swapU32(buf[off:off+4], from, to) // key_count
	off += 4
	swapU32(buf[off:off+4], from, to) // record_count
	off += 4
	swapU32(buf[off:off+4], from, to) // flags
	off += 4
	swapU32(buf[off:off+4], from, to) // root
	return nil
}

// swapGenericPage swaps the header fields and then walks inp[] to find
// and swap embedded per-item integer fields: for overflow items, pgno
// and tlen; for duplicates, pgno (spec.md §4.A). Each slot's own
// offset is swapped too, after being read in `from` order to locate
// the item it points at — that read must happen before the slot is
// rewritten in `to` order, since on PageIn the slot is the only record
// of where the item lives.
func swapGenericPage(buf []byte, ctx Ctx, from, to binary.ByteOrder) error {
	n := swapHeaderFields(buf[:HeaderSize], from, to)

	for i := 0; i < int(n); i++ {
		off := slotOffset(i)
		if off+SlotSize > len(buf) {
			continue
		}
		itemOff := int(swapU16(buf[off:off+SlotSize], from, to))
		if itemOff+1 > len(buf) {
			continue
		}
		kind := ItemKind(buf[itemOff])
		switch kind {
		case KindOverflow:
			if itemOff+overflowItemSize > len(buf) {
				continue
			}
			swapU32(buf[itemOff+2:itemOff+6], from, to)  // pgno
			swapU32(buf[itemOff+6:itemOff+10], from, to) // tlen
		case KindDuplicate:
			if itemOff+duplicateItemSize > len(buf) {
				continue
			}
			swapU32(buf[itemOff+2:itemOff+6], from, to) // root_page
		}
	}
	return nil
}
