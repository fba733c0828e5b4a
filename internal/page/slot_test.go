package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, size int) *Page {
	t.Helper()
	buf := make([]byte, size)
	h := Header{Type: TypeLeaf, HeapOffset: uint16(size)}
	h.Encode(buf)
	p, err := Open(buf)
	require.NoError(t, err)
	return p
}

func TestPageInsertAppendsAndReadsBack(t *testing.T) {
	p := newTestPage(t, 256)

	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("alpha")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("beta")}))

	assert.EqualValues(t, 2, p.Header.EntriesCount)
	got0, err := p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got0.Bytes)
	got1, err := p.ItemAt(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), got1.Bytes)
}

func TestPageInsertInMiddleShiftsSlots(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("a")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("c")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("b")}))

	for i, want := range []string{"a", "b", "c"} {
		got, err := p.ItemAt(i)
		require.NoError(t, err)
		assert.Equal(t, want, string(got.Bytes))
	}
}

func TestPageInsertFailsWhenPageFull(t *testing.T) {
	p := newTestPage(t, 40)
	err := p.Insert(0, Item{Kind: KindKeyData, Bytes: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrPageFull)
}

func TestPageDeleteCompactsHeapAndSlots(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("a")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("bb")}))
	require.NoError(t, p.Insert(2, Item{Kind: KindKeyData, Bytes: []byte("ccc")}))

	require.NoError(t, p.Delete(1))

	assert.EqualValues(t, 2, p.Header.EntriesCount)
	got0, err := p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got0.Bytes))
	got1, err := p.ItemAt(1)
	require.NoError(t, err)
	assert.Equal(t, "ccc", string(got1.Bytes))
}

func TestPageReplaceGrowsAndShrinksInPlace(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("short")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("other")}))

	require.NoError(t, p.Replace(0, Item{Kind: KindKeyData, Bytes: []byte("a much longer value")}))
	got0, err := p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, "a much longer value", string(got0.Bytes))
	got1, err := p.ItemAt(1)
	require.NoError(t, err)
	assert.Equal(t, "other", string(got1.Bytes))

	require.NoError(t, p.Replace(0, Item{Kind: KindKeyData, Bytes: []byte("x")}))
	got0, err = p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got0.Bytes))
	got1, err = p.ItemAt(1)
	require.NoError(t, err)
	assert.Equal(t, "other", string(got1.Bytes))
}

func TestPageReplaceAtHeapTopIsSingleOffsetUpdate(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("only")}))

	require.NoError(t, p.Replace(0, Item{Kind: KindKeyData, Bytes: []byte("longer-value")}))
	got, err := p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, "longer-value", string(got.Bytes))
}

func TestAdjustIndicesMovesSlotAndAppliesDelta(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("a")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("b")}))
	require.NoError(t, p.Insert(2, Item{Kind: KindKeyData, Bytes: []byte("c")}))

	offA, offB, offC := p.slot(0), p.slot(1), p.slot(2)
	require.NoError(t, p.AdjustIndices(0, 2, 5))

	assert.Equal(t, offB, p.slot(0), "slots between from and to shift down by one")
	assert.Equal(t, offC, p.slot(1))
	assert.Equal(t, offA+5, p.slot(2), "the moved slot lands at `to` with delta applied")
}

func TestPartialSize(t *testing.T) {
	cases := []struct {
		name               string
		nbytes, doff, dlen, size, want int
	}{
		{"replace within bounds", 10, 2, 3, 4, 11},
		{"append past current end", 10, 12, 3, 4, 16},
		{"shrink to nothing", 10, 0, 10, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PartialSize(tc.nbytes, tc.doff, tc.dlen, tc.size)
			assert.Equal(t, tc.want, got)
		})
	}
}
