package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdjuster struct {
	pageNo      uint32
	first, last int
	newRoot     uint32
	called      bool
}

func (r *recordingAdjuster) OnDuplicatesPromoted(leafPageNo uint32, firstIndx, lastIndx int, newRoot uint32) {
	r.called = true
	r.pageNo, r.first, r.last, r.newRoot = leafPageNo, firstIndx, lastIndx, newRoot
}

func fillDuplicatePairs(t *testing.T, p *Page, n int, valueSize int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.Insert(2*i, Item{Kind: KindKeyData, Bytes: []byte("samekey")}))
		require.NoError(t, p.Insert(2*i+1, Item{Kind: KindKeyData, Bytes: make([]byte, valueSize)}))
	}
}

func TestPromoteDuplicatesSkipsBelowThreshold(t *testing.T) {
	p := newTestPage(t, 4096)
	fillDuplicatePairs(t, p, 2, 8)

	promoted, err := PromoteDuplicates(p, 4096, 0, 2, true,
		func(pairs [][2]Item, sorted bool) (uint32, error) { return 99, nil }, nil)
	require.NoError(t, err)
	assert.False(t, promoted, "a duplicate set far under the page-fraction thresholds must not promote")
}

func TestPromoteDuplicatesRequiresAtLeastTwo(t *testing.T) {
	p := newTestPage(t, 256)
	require.NoError(t, p.Insert(0, Item{Kind: KindKeyData, Bytes: []byte("k")}))
	require.NoError(t, p.Insert(1, Item{Kind: KindKeyData, Bytes: []byte("v")}))

	promoted, err := PromoteDuplicates(p, 256, 0, 1, true,
		func(pairs [][2]Item, sorted bool) (uint32, error) { return 1, nil }, nil)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestPromoteDuplicatesAboveThresholdReplacesWithDuplicateItem(t *testing.T) {
	const pageSize = 512
	p := newTestPage(t, pageSize)
	// Large enough values that the duplicate set clears both the 25%
	// of-page and 50%-full thresholds (spec.md §4.B "promote_duplicates").
	fillDuplicatePairs(t, p, 3, 100)

	adjuster := &recordingAdjuster{}
	var gotPairs [][2]Item
	allocator := func(pairs [][2]Item, sorted bool) (uint32, error) {
		gotPairs = pairs
		assert.True(t, sorted)
		return 777, nil
	}

	promoted, err := PromoteDuplicates(p, pageSize, 0, 3, true, allocator, adjuster)
	require.NoError(t, err)
	require.True(t, promoted)
	assert.Len(t, gotPairs, 3)

	assert.EqualValues(t, 1, p.Header.EntriesCount)
	got, err := p.ItemAt(0)
	require.NoError(t, err)
	assert.Equal(t, KindDuplicate, got.Kind)
	assert.EqualValues(t, 777, got.RootPage)

	require.True(t, adjuster.called)
	assert.EqualValues(t, 777, adjuster.newRoot)
	assert.Equal(t, 0, adjuster.first)
}

func TestPromoteDuplicatesPropagatesAllocatorError(t *testing.T) {
	p := newTestPage(t, 512)
	fillDuplicatePairs(t, p, 3, 100)

	sentinel := assertErr{"allocator failed"}
	_, err := PromoteDuplicates(p, 512, 0, 3, true,
		func(pairs [][2]Item, sorted bool) (uint32, error) { return 0, sentinel }, nil)
	assert.ErrorIs(t, err, sentinel)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
