package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGenericBuf(pageSize int, entries uint16) []byte {
	buf := make([]byte, pageSize)
	h := Header{PageNo: 7, PrevPage: 3, NextPage: 9, EntriesCount: entries, HeapOffset: uint16(pageSize), Type: TypeLeaf}
	h.Encode(buf)
	return buf
}

func TestPageInOutNoopWhenSwapNotNeeded(t *testing.T) {
	ctx := Ctx{PageSize: 64}
	buf := newGenericBuf(64, 0)
	before := append([]byte(nil), buf...)

	require.NoError(t, PageIn(7, buf, ctx))
	assert.Equal(t, before, buf)

	require.NoError(t, PageOut(7, buf, ctx))
	assert.Equal(t, before, buf)
}

func TestPageOutThenPageInRoundTripsGenericPage(t *testing.T) {
	ctx := Ctx{PageSize: 128, NeedsSwap: true}
	buf := make([]byte, 128)

	p := &Page{Buf: buf, Header: Header{PageNo: 11, Type: TypeLeaf, HeapOffset: uint16(len(buf))}}
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("key1")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindOverflow, FirstPage: 42, TotalLength: 9000}))
	require.NoError(t, p.Insert(2, Item{Kind: KindDuplicate, RootPage: 99}))

	original := append([]byte(nil), buf...)

	require.NoError(t, PageOut(11, buf, ctx))
	assert.NotEqual(t, original, buf, "PageOut must actually rewrite bytes when NeedsSwap is set")

	require.NoError(t, PageIn(11, buf, ctx))
	assert.Equal(t, original, buf, "PageOut followed by PageIn must restore the original bytes")
}

func TestSwapGenericPageInvertsHeaderAndItemFields(t *testing.T) {
	ctx := Ctx{PageSize: 64, NeedsSwap: true}
	buf := make([]byte, 64)
	p := &Page{Buf: buf, Header: Header{PageNo: 1, Type: TypeLeaf, HeapOffset: uint16(len(buf))}}
	require.NoError(t, p.Insert(0, Item{Kind: KindOverflow, FirstPage: 0x01020304, TotalLength: 0x05060708}))

	require.NoError(t, PageOut(1, buf, ctx))

	// A page swapped out to the foreign (little-endian) order must not
	// read back as the same values under the host's own big-endian
	// interpretation — otherwise no swap occurred at all.
	var swapped Header
	require.NoError(t, swapped.Decode(buf))
	assert.NotEqual(t, uint32(1), swapped.PageNo)

	require.NoError(t, PageIn(1, buf, ctx))
	var restored Header
	require.NoError(t, restored.Decode(buf))
	assert.EqualValues(t, 1, restored.PageNo)

	it, err := (&Page{Buf: buf, Header: restored}).ItemAt(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x01020304, it.FirstPage)
	assert.EqualValues(t, 0x05060708, it.TotalLength)
}

func TestSwapMetaPageRoundTrips(t *testing.T) {
	buf := make([]byte, MetaPrefixSize)
	m := MetaHeader{
		Header:      Header{PageNo: 1, Type: TypeBTreeMeta},
		Magic:       MetaMagic,
		Version:     MetaVersion,
		PageSize:    4096,
		UID:         0xAABBCCDD,
		LastPgno:    55,
		KeyCount:    10,
		RecordCount: 20,
		Root:        2,
	}
	m.Encode(buf)
	original := append([]byte(nil), buf...)

	ctx := Ctx{PageSize: 4096, NeedsSwap: true}
	require.NoError(t, PageOut(1, buf, ctx))
	assert.NotEqual(t, original, buf)

	require.NoError(t, PageIn(1, buf, ctx))
	assert.Equal(t, original, buf)

	var back MetaHeader
	require.NoError(t, back.Decode(buf))
	assert.Equal(t, m, back)
}

func TestPageInInitializesNeverWrittenHashPageOnlyWhenSwapping(t *testing.T) {
	ctx := Ctx{PageSize: 64, NeedsSwap: true}
	buf := make([]byte, 64) // all zero: type byte is TypeInvalid, page_no != 0

	require.NoError(t, PageIn(5, buf, ctx))

	var h Header
	require.NoError(t, h.Decode(buf))
	assert.Equal(t, TypeLeaf, h.Type)
	assert.EqualValues(t, 5, h.PageNo)
	assert.EqualValues(t, ctx.PageSize, h.HeapOffset)
}

func TestPageInHashEmptyCheckIgnoredWhenSwapNotNeeded(t *testing.T) {
	ctx := Ctx{PageSize: 64}
	buf := make([]byte, 64)

	require.NoError(t, PageIn(5, buf, ctx))

	var h Header
	require.NoError(t, h.Decode(buf))
	assert.Equal(t, TypeInvalid, h.Type, "needs_swap=false must be a true no-op, not run the hash-empty-page init")
}

func TestPageInHashEmptyCheckSkipsPageZero(t *testing.T) {
	ctx := Ctx{PageSize: 64, NeedsSwap: true}
	buf := make([]byte, 64)

	require.NoError(t, PageIn(0, buf, ctx))

	var h Header
	require.NoError(t, h.Decode(buf))
	assert.Equal(t, TypeInvalid, h.Type)
}
