package page

import "encoding/binary"

// SlotSize is the width of one inp[] slot: a 2-byte heap offset.
const SlotSize = 2

// ItemKind is the category carried in an item's type byte. The high
// bit of the byte is the tombstone ("deleted") flag, kept distinct
// from the category bits (spec.md §3).
type ItemKind uint8

const (
	KindKeyData ItemKind = iota
	KindOverflow
	KindDuplicate
)

const tombstoneBit = 0x80
const kindMask = 0x7F

// itemTypeByte packs a kind and the deleted flag into the on-disk type
// byte.
func itemTypeByte(kind ItemKind, deleted bool) byte {
	b := byte(kind) & kindMask
	if deleted {
		b |= tombstoneBit
	}
	return b
}

func parseItemTypeByte(b byte) (kind ItemKind, deleted bool) {
	return ItemKind(b & kindMask), b&tombstoneBit != 0
}

// Fixed on-disk sizes of the non-inline item variants (spec.md §3):
// byte0 = type, byte1 = padding, then 4+4 bytes of payload.
const (
	overflowItemSize  = 10 // type | pad | first_overflow_page(4) | total_length(4)
	duplicateItemSize = 6  // type | pad | root_page(4)
	keyDataHeaderSize = 3  // type | length(2)... see Item below
)

// Item is a decoded slot payload: exactly one of the fields below is
// meaningful, discriminated by Kind.
type Item struct {
	Kind    ItemKind
	Deleted bool

	// KindKeyData
	Bytes []byte

	// KindOverflow
	FirstPage   uint32
	TotalLength uint32

	// KindDuplicate
	RootPage uint32
}

// Encode serializes it to its on-disk representation.
func (it Item) Encode() []byte {
	switch it.Kind {
	case KindOverflow:
		buf := make([]byte, overflowItemSize)
		buf[0] = itemTypeByte(it.Kind, it.Deleted)
		binary.BigEndian.PutUint32(buf[2:6], it.FirstPage)
		binary.BigEndian.PutUint32(buf[6:10], it.TotalLength)
		return buf
	case KindDuplicate:
		buf := make([]byte, duplicateItemSize)
		buf[0] = itemTypeByte(it.Kind, it.Deleted)
		binary.BigEndian.PutUint32(buf[2:6], it.RootPage)
		return buf
	default: // KindKeyData
		buf := make([]byte, keyDataHeaderSize+len(it.Bytes))
		buf[0] = itemTypeByte(it.Kind, it.Deleted)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(it.Bytes)))
		copy(buf[keyDataHeaderSize:], it.Bytes)
		return buf
	}
}

// DecodeItem parses an Item starting at buf[0]. It returns the number
// of bytes consumed.
func DecodeItem(buf []byte) (Item, int, error) {
	if len(buf) < 1 {
		return Item{}, 0, errTrace(ErrShortItem)
	}
	kind, deleted := parseItemTypeByte(buf[0])
	switch kind {
	case KindOverflow:
		if len(buf) < overflowItemSize {
			return Item{}, 0, errTrace(ErrShortItem)
		}
		return Item{
			Kind:        kind,
			Deleted:     deleted,
			FirstPage:   binary.BigEndian.Uint32(buf[2:6]),
			TotalLength: binary.BigEndian.Uint32(buf[6:10]),
		}, overflowItemSize, nil
	case KindDuplicate:
		if len(buf) < duplicateItemSize {
			return Item{}, 0, errTrace(ErrShortItem)
		}
		return Item{
			Kind:     kind,
			Deleted:  deleted,
			RootPage: binary.BigEndian.Uint32(buf[2:6]),
		}, duplicateItemSize, nil
	default:
		if len(buf) < keyDataHeaderSize {
			return Item{}, 0, errTrace(ErrShortItem)
		}
		n := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < keyDataHeaderSize+n {
			return Item{}, 0, errTrace(ErrShortItem)
		}
		b := make([]byte, n)
		copy(b, buf[keyDataHeaderSize:keyDataHeaderSize+n])
		return Item{Kind: KindKeyData, Deleted: deleted, Bytes: b}, keyDataHeaderSize + n, nil
	}
}

// Size returns the encoded size of it without allocating.
func (it Item) Size() int {
	switch it.Kind {
	case KindOverflow:
		return overflowItemSize
	case KindDuplicate:
		return duplicateItemSize
	default:
		return keyDataHeaderSize + len(it.Bytes)
	}
}
