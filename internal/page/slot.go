package page

import "encoding/binary"

// Page wraps a fixed-size byte buffer together with its decoded
// header, providing the slot-array primitives of spec.md §4.B. The
// caller must hold a write pin on the underlying buffer for any
// mutating method.
type Page struct {
	Buf    []byte
	Header Header
}

// Open decodes buf's header into a Page. buf is retained, not copied.
func Open(buf []byte) (*Page, error) {
	p := &Page{Buf: buf}
	if err := p.Header.Decode(buf); err != nil {
		return nil, errTrace(err)
	}
	return p, nil
}

// Flush re-encodes p.Header into p.Buf; callers that mutated p.Header
// fields directly (rather than through Insert/Delete/Replace, which
// keep it in sync) must call this before the page is unpinned.
func (p *Page) Flush() {
	p.Header.Encode(p.Buf)
}

func slotOffset(indx int) int { return HeaderSize + indx*SlotSize }

// ReadSlots returns the n heap offsets stored in the inp[] array.
func ReadSlots(buf []byte, n int) ([]uint16, error) {
	end := HeaderSize + n*SlotSize
	if end > len(buf) {
		return nil, errTrace(ErrShortItem)
	}
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(buf[slotOffset(i):])
	}
	return out, nil
}

func (p *Page) slot(indx int) uint16 {
	return binary.BigEndian.Uint16(p.Buf[slotOffset(indx):])
}

func (p *Page) setSlot(indx int, heapOff uint16) {
	binary.BigEndian.PutUint16(p.Buf[slotOffset(indx):], heapOff)
}

// ItemAt decodes the item referenced by inp[indx].
func (p *Page) ItemAt(indx int) (Item, error) {
	if indx < 0 || indx >= int(p.Header.EntriesCount) {
		return Item{}, errTrace(ErrShortItem)
	}
	off := int(p.slot(indx))
	it, _, err := DecodeItem(p.Buf[off:])
	return it, err
}

// Insert inserts it at slot position indx, shifting inp[indx:] right
// by one slot and allocating space for the encoded item at the top of
// the heap (spec.md §4.B "insert_item"). Returns ErrPageFull when the
// page does not have `needed` bytes free.
func (p *Page) Insert(indx int, it Item) error {
	encoded := it.Encode()
	needed := len(encoded) + SlotSize
	if p.Header.FreeSpace() < needed {
		return ErrPageFull
	}

	n := int(p.Header.EntriesCount)
	if indx < 0 || indx > n {
		return errTrace(ErrShortItem)
	}

	// Shift inp[indx:] right by one slot to make room for the new entry.
	for i := n; i > indx; i-- {
		p.setSlot(i, p.slot(i-1))
	}

	newHeapOff := int(p.Header.HeapOffset) - len(encoded)
	copy(p.Buf[newHeapOff:], encoded)
	p.setSlot(indx, uint16(newHeapOff))

	p.Header.HeapOffset = uint16(newHeapOff)
	p.Header.EntriesCount++
	p.Flush()
	return nil
}

// Delete removes the item at indx, compacts the heap downward for
// items whose offsets were lower than the deleted item's, and adjusts
// inp[] (spec.md §4.B "delete_item").
func (p *Page) Delete(indx int) error {
	n := int(p.Header.EntriesCount)
	if indx < 0 || indx >= n {
		return errTrace(ErrShortItem)
	}

	delOff := int(p.slot(indx))
	it, size, err := DecodeItem(p.Buf[delOff:])
	_ = it
	if err != nil {
		return errTrace(err)
	}

	heapOff := int(p.Header.HeapOffset)
	// Slide every item physically below delOff (i.e. with a lower heap
	// offset, since the heap grows downward from the page end) up by
	// size bytes, then retarget any slot that pointed into that region.
	copy(p.Buf[heapOff+size:delOff+size], p.Buf[heapOff:delOff])
	for i := 0; i < n; i++ {
		if i == indx {
			continue
		}
		off := p.slot(i)
		if int(off) < delOff {
			p.setSlot(i, off+uint16(size))
		}
	}

	// Compact inp[] itself, shifting slots above indx down by one.
	for i := indx; i < n-1; i++ {
		next := p.slot(i + 1)
		p.setSlot(i, next)
	}

	p.Header.HeapOffset = uint16(heapOff + size)
	p.Header.EntriesCount--
	p.Flush()
	return nil
}

// Replace rewrites the item at indx with newItem, shifting the heap by
// the signed size delta. If the item being replaced starts exactly at
// heap_offset, the shift degenerates into a single offset update
// (spec.md §4.B "replace_item").
func (p *Page) Replace(indx int, newItem Item) error {
	n := int(p.Header.EntriesCount)
	if indx < 0 || indx >= n {
		return errTrace(ErrShortItem)
	}

	oldOff := int(p.slot(indx))
	_, oldSize, err := DecodeItem(p.Buf[oldOff:])
	if err != nil {
		return errTrace(err)
	}
	encoded := newItem.Encode()
	delta := len(encoded) - oldSize

	if delta > 0 && p.Header.FreeSpace() < delta {
		return ErrPageFull
	}

	heapOff := int(p.Header.HeapOffset)
	if oldOff == heapOff {
		// Item sits at the top of the heap: a single offset update.
		newOff := oldOff - delta
		copy(p.Buf[newOff:], encoded)
		p.setSlot(indx, uint16(newOff))
		p.Header.HeapOffset = uint16(newOff)
		p.Flush()
		return nil
	}

	// General case: slide everything below oldOff by delta, then write
	// the new item just above where the old one ended.
	if delta > 0 {
		copy(p.Buf[heapOff-delta:oldOff-delta+oldSize], p.Buf[heapOff:oldOff+oldSize])
	} else {
		copy(p.Buf[heapOff-delta:oldOff-delta], p.Buf[heapOff:oldOff])
	}
	for i := 0; i < n; i++ {
		off := p.slot(i)
		if int(off) < oldOff {
			p.setSlot(i, uint16(int(off)-delta))
		}
	}
	newOff := oldOff - delta
	copy(p.Buf[newOff:], encoded)
	p.setSlot(indx, uint16(newOff))

	p.Header.HeapOffset = uint16(heapOff - delta)
	p.Flush()
	return nil
}

// AdjustIndices moves the slot reference at `from` to position `to`,
// shifting the slots between them one position toward `from`, and adds
// delta to the moved slot's offset. This is the
// primitive B-tree leaves use to build the "duplicate key slot"
// pattern: {key, data, key, data, ...} with the key repeated for each
// duplicate (spec.md §4.B "adjust_indices").
func (p *Page) AdjustIndices(from, to int, delta int) error {
	n := int(p.Header.EntriesCount)
	if from < 0 || from >= n || to < 0 || to > n {
		return errTrace(ErrShortItem)
	}
	off := p.slot(from)
	if to > from {
		for i := from; i < to; i++ {
			p.setSlot(i, p.slot(i+1))
		}
	} else if to < from {
		for i := from; i > to; i-- {
			p.setSlot(i, p.slot(i-1))
		}
	}
	p.setSlot(to, off+uint16(delta))
	return nil
}

// PartialSize implements spec.md §4.B "Partial-put size math": for a
// put with the partial flag set, given the current item length
// nbytes, the offset doff and length dlen of the replaced region, and
// the new bytes' size, returns the resulting item size.
func PartialSize(nbytes, doff, dlen, size int) int {
	if nbytes < doff+dlen {
		return doff + size
	}
	return nbytes + size - dlen
}
