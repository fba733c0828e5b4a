package page

import (
	"bytes"
)

// overflowPageOverhead is the bytes of each overflow page consumed by
// the header and the page's own {length_on_this_page, refcount} pair
// (spec.md §3 "Overflow pages").
const overflowPageOverhead = HeaderSize + 4 + 4

// OverflowHeader is the fixed prefix of an overflow page's body,
// following the generic Header (spec.md §3).
type OverflowHeader struct {
	LengthOnPage uint32
	Refcount     uint32
}

func readOverflowHeader(buf []byte) OverflowHeader {
	return OverflowHeader{
		LengthOnPage: be32(buf[HeaderSize:]),
		Refcount:     be32(buf[HeaderSize+4:]),
	}
}

func writeOverflowHeader(buf []byte, h OverflowHeader) {
	putBE32(buf[HeaderSize:], h.LengthOnPage)
	putBE32(buf[HeaderSize+4:], h.Refcount)
}

// BuildOverflow walk-allocates a chain of overflow pages, copying data
// across them in (pageSize - overhead) chunks, linking them forward
// and backward, and logging one *big* record per page added (spec.md
// §4.B "build_overflow"). It returns the first page number of the
// chain.
func BuildOverflow(pager Pager, wal WALWriter, pageSize int, data []byte) (uint32, error) {
	chunk := pageSize - overflowPageOverhead
	if chunk <= 0 {
		return 0, errTrace(ErrShortItem)
	}

	var firstPageNo uint32
	var prevPageNo uint32
	remaining := data

	for offset := 0; offset == 0 || len(remaining) > 0; {
		pno, err := pager.NewPageNo()
		if err != nil {
			return 0, errTrace(err)
		}
		p, err := pager.Fetch(pno, true)
		if err != nil {
			return 0, errTrace(err)
		}

		n := len(remaining)
		if n > chunk {
			n = chunk
		}
		p.Header.Type = TypeOverflow
		p.Header.PageNo = pno
		p.Header.PrevPage = prevPageNo
		chunkData := remaining[:n]
		writeOverflowHeader(p.Buf, OverflowHeader{LengthOnPage: uint32(n), Refcount: 1})
		copy(p.Buf[overflowPageOverhead:], chunkData)
		remaining = remaining[n:]

		if wal != nil {
			recLSN, err := wal.LogBig(pno, p.Header.PageLSN, chunkData, true)
			if err != nil {
				_ = pager.Put(p, false)
				return 0, errTrace(err)
			}
			p.Header.PageLSN = recLSN
		}
		p.Flush()

		if prevPageNo != 0 {
			prev, err := pager.Fetch(prevPageNo, false)
			if err == nil {
				prev.Header.NextPage = pno
				prev.Flush()
				_ = pager.Put(prev, true)
			}
		} else {
			firstPageNo = pno
		}

		if err := pager.Put(p, true); err != nil {
			return 0, errTrace(err)
		}
		prevPageNo = pno
		offset++
	}

	if firstPageNo == 0 {
		// Reached only when the pager handed out page number 0: empty
		// data is already handled by the loop above, which always runs
		// once. Materialize a single zero-length page.
		pno, err := pager.NewPageNo()
		if err != nil {
			return 0, errTrace(err)
		}
		p, err := pager.Fetch(pno, true)
		if err != nil {
			return 0, errTrace(err)
		}
		p.Header.Type = TypeOverflow
		p.Header.PageNo = pno
		writeOverflowHeader(p.Buf, OverflowHeader{LengthOnPage: 0, Refcount: 1})
		p.Flush()
		if err := pager.Put(p, true); err != nil {
			return 0, errTrace(err)
		}
		firstPageNo = pno
	}
	return firstPageNo, nil
}

// ReadOverflow walks the chain starting at firstPage, honoring the
// DBT's partial-get window and memory mode (spec.md §4.B
// "read_overflow").
func ReadOverflow(pager Pager, dbt *DBT, totalLength int, firstPage uint32) ([]byte, error) {
	dlen := dbt.Dlen
	if dlen == 0 {
		dlen = totalLength - dbt.Doff
	}
	if dbt.Mem == MemUserOwned && len(dbt.Buf) < dlen {
		return nil, errTrace(ErrBufferTooSmall)
	}

	out := make([]byte, 0, dlen)
	skip := dbt.Doff
	need := dlen

	pno := firstPage
	for pno != 0 && need > 0 {
		p, err := pager.Fetch(pno, false)
		if err != nil {
			return nil, errTrace(err)
		}
		hdr := readOverflowHeader(p.Buf)
		body := p.Buf[overflowPageOverhead : overflowPageOverhead+int(hdr.LengthOnPage)]

		if skip >= len(body) {
			skip -= len(body)
		} else {
			body = body[skip:]
			skip = 0
			take := len(body)
			if take > need {
				take = need
			}
			out = append(out, body[:take]...)
			need -= take
		}
		next := p.Header.NextPage
		_ = pager.Put(p, false)
		pno = next
	}

	if dbt.Mem == MemUserOwned {
		copy(dbt.Buf, out)
		return dbt.Buf[:len(out)], nil
	}
	return out, nil
}

// DeleteOverflowChain decrements the head page's refcount; if it drops
// to zero the whole chain is freed, one *big* remove record per page
// (spec.md §4.B "delete_overflow_chain").
func DeleteOverflowChain(pager Pager, wal WALWriter, firstPage uint32) error {
	head, err := pager.Fetch(firstPage, false)
	if err != nil {
		return errTrace(err)
	}
	hdr := readOverflowHeader(head.Buf)
	if hdr.Refcount > 1 {
		hdr.Refcount--
		writeOverflowHeader(head.Buf, hdr)
		if wal != nil {
			recLSN, err := wal.LogOvRef(firstPage, head.Header.PageLSN, -1)
			if err == nil {
				head.Header.PageLSN = recLSN
			}
		}
		head.Flush()
		return errTrace(pager.Put(head, true))
	}

	pno := firstPage
	_ = pager.Put(head, false)
	for pno != 0 {
		p, err := pager.Fetch(pno, false)
		if err != nil {
			return errTrace(err)
		}
		next := p.Header.NextPage
		if wal != nil {
			_, err := wal.LogBig(pno, p.Header.PageLSN, nil, false)
			if err != nil {
				_ = pager.Put(p, false)
				return errTrace(err)
			}
		}
		_ = pager.Put(p, false)
		if err := pager.FreePageNo(pno); err != nil {
			return errTrace(err)
		}
		pno = next
	}
	return nil
}

// CompareResult is the outcome of MatchOverflow.
type CompareResult int

const (
	Less CompareResult = iota - 1
	Equal
	Greater
)

// MatchOverflow performs a chunked memcmp across the chain against
// dbt's bytes, or if cmp is non-nil, materializes the whole chain and
// invokes it (spec.md §4.B "match_overflow").
func MatchOverflow(pager Pager, dbt []byte, firstPage uint32, totalLength int, cmp func(a, b []byte) int) (CompareResult, error) {
	if cmp != nil {
		whole, err := ReadOverflow(pager, &DBT{Mem: MemLibraryMalloc}, totalLength, firstPage)
		if err != nil {
			return Equal, errTrace(err)
		}
		switch r := cmp(whole, dbt); {
		case r < 0:
			return Less, nil
		case r > 0:
			return Greater, nil
		default:
			return Equal, nil
		}
	}

	pos := 0
	pno := firstPage
	for pno != 0 && pos < len(dbt) {
		p, err := pager.Fetch(pno, false)
		if err != nil {
			return Equal, errTrace(err)
		}
		hdr := readOverflowHeader(p.Buf)
		chunk := p.Buf[overflowPageOverhead : overflowPageOverhead+int(hdr.LengthOnPage)]
		n := len(chunk)
		end := pos + n
		if end > len(dbt) {
			end = len(dbt)
		}
		r := bytes.Compare(chunk[:end-pos], dbt[pos:end])
		next := p.Header.NextPage
		_ = pager.Put(p, false)
		if r != 0 {
			if r < 0 {
				return Less, nil
			}
			return Greater, nil
		}
		pos = end
		pno = next
	}
	switch {
	case totalLength < len(dbt):
		return Less, nil
	case totalLength > len(dbt):
		return Greater, nil
	default:
		return Equal, nil
	}
}

// AdjustOverflowRefcount applies delta to an already-fetched overflow
// page's refcount directly, with no logging — used by recovery replay
// of an *ovref* record (spec.md §4.F).
func AdjustOverflowRefcount(p *Page, delta int32) {
	hdr := readOverflowHeader(p.Buf)
	hdr.Refcount = uint32(int32(hdr.Refcount) + delta)
	writeOverflowHeader(p.Buf, hdr)
}

// ReinitOverflowPage reinitializes buf in place as a single-page
// overflow chain carrying payload, with no logging — used by
// recovery replay of a *big* add record (spec.md §4.F: "re-initialize
// the page as overflow with the logged payload").
func ReinitOverflowPage(p *Page, payload []byte) {
	p.Header.Type = TypeOverflow
	writeOverflowHeader(p.Buf, OverflowHeader{LengthOnPage: uint32(len(payload)), Refcount: 1})
	copy(p.Buf[overflowPageOverhead:], payload)
}

// OverflowRefcount returns an already-fetched overflow page's current
// refcount, used by recovery to decide whether a page is about to be
// freed (spec.md §4.F "big: on remove... just stamp the LSN").
func OverflowRefcount(p *Page) uint32 {
	return readOverflowHeader(p.Buf).Refcount
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
