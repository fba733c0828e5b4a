package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
)

// fakePager is a minimal in-memory Pager for exercising the overflow
// chain primitives without pulling in internal/bufpool (which imports
// this package, so a real Cache cannot be used from an internal _test
// file without an import cycle).
type fakePager struct {
	pageSize int
	next     uint32
	pages    map[uint32][]byte
}

func newFakePager(pageSize int) *fakePager {
	return &fakePager{pageSize: pageSize, pages: make(map[uint32][]byte)}
}

func (f *fakePager) NewPageNo() (uint32, error) {
	f.next++
	return f.next, nil
}

func (f *fakePager) Fetch(pageNo uint32, alloc bool) (*Page, error) {
	buf, ok := f.pages[pageNo]
	if !ok {
		if !alloc {
			return nil, errTrace(ErrShortItem)
		}
		buf = make([]byte, f.pageSize)
		var h Header
		h.HeapOffset = uint16(f.pageSize)
		h.Encode(buf)
	}
	p, err := Open(buf)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (f *fakePager) Put(p *Page, dirty bool) error {
	if dirty {
		f.pages[p.Header.PageNo] = p.Buf
	}
	return nil
}

func (f *fakePager) FreePageNo(pageNo uint32) error {
	delete(f.pages, pageNo)
	return nil
}

func TestBuildAndReadOverflowChain(t *testing.T) {
	pager := newFakePager(64)
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}

	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)
	assert.NotZero(t, first)

	got, err := ReadOverflow(pager, &DBT{Mem: MemLibraryMalloc}, len(data), first)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadOverflowHonorsPartialWindow(t *testing.T) {
	pager := newFakePager(64)
	data := []byte("the quick brown fox jumps over the lazy dog, repeated to span pages")
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	got, err := ReadOverflow(pager, &DBT{Mem: MemLibraryMalloc, Doff: 4, Dlen: 5}, len(data), first)
	require.NoError(t, err)
	assert.Equal(t, data[4:9], got)
}

func TestReadOverflowUserOwnedBufferTooSmall(t *testing.T) {
	pager := newFakePager(64)
	data := make([]byte, 100)
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	_, err = ReadOverflow(pager, &DBT{Mem: MemUserOwned, Buf: make([]byte, 5)}, len(data), first)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestBuildOverflowEmptyDataStillMaterializesOnePage(t *testing.T) {
	pager := newFakePager(64)
	first, err := BuildOverflow(pager, nil, 64, nil)
	require.NoError(t, err)
	assert.NotZero(t, first)

	got, err := ReadOverflow(pager, &DBT{Mem: MemLibraryMalloc}, 0, first)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteOverflowChainFreesAtRefcountZero(t *testing.T) {
	pager := newFakePager(64)
	data := make([]byte, 150)
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	require.NoError(t, DeleteOverflowChain(pager, nil, first))
	assert.Empty(t, pager.pages, "a refcount of 1 dropping to zero frees every page in the chain")
}

func TestDeleteOverflowChainDecrementsSharedRefcount(t *testing.T) {
	pager := newFakePager(64)
	data := []byte("short")
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	head, err := pager.Fetch(first, false)
	require.NoError(t, err)
	AdjustOverflowRefcount(head, 1)
	head.Flush()
	require.NoError(t, pager.Put(head, true))
	assert.EqualValues(t, 2, OverflowRefcount(head))

	require.NoError(t, DeleteOverflowChain(pager, nil, first))
	assert.NotEmpty(t, pager.pages, "refcount > 1 must only decrement, not free")

	head, err = pager.Fetch(first, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, OverflowRefcount(head))
}

func TestMatchOverflowChunkedCompare(t *testing.T) {
	pager := newFakePager(64)
	data := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	r, err := MatchOverflow(pager, data, first, len(data), nil)
	require.NoError(t, err)
	assert.Equal(t, Equal, r)

	shorter := data[:len(data)-1]
	r, err = MatchOverflow(pager, shorter, first, len(data), nil)
	require.NoError(t, err)
	assert.Equal(t, Greater, r)

	diff := append([]byte(nil), data...)
	diff[0] = 'z'
	r, err = MatchOverflow(pager, diff, first, len(data), nil)
	require.NoError(t, err)
	assert.Equal(t, Less, r)
}

func TestMatchOverflowWithComparator(t *testing.T) {
	pager := newFakePager(64)
	data := []byte("hello world")
	first, err := BuildOverflow(pager, nil, 64, data)
	require.NoError(t, err)

	calls := 0
	cmp := func(a, b []byte) int {
		calls++
		if len(a) < len(b) {
			return -1
		}
		if len(a) > len(b) {
			return 1
		}
		for i := range a {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return 0
	}
	r, err := MatchOverflow(pager, data, first, len(data), cmp)
	require.NoError(t, err)
	assert.Equal(t, Equal, r)
	assert.Equal(t, 1, calls)
}

func TestReinitOverflowPage(t *testing.T) {
	buf := make([]byte, 64)
	p, err := Open(buf)
	require.NoError(t, err)
	ReinitOverflowPage(p, []byte("payload"))
	p.Header.PageLSN = lsn.LSN{File: 1, Offset: 1}
	p.Flush()

	assert.Equal(t, TypeOverflow, p.Header.Type)
	assert.EqualValues(t, 1, OverflowRefcount(p))
}
