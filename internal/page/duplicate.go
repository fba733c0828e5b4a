package page

// duplicatePromotionPageFraction and minPageFullFraction are the
// thresholds from spec.md §4.B "promote_duplicates": promote when the
// duplicate set occupies at least 25% of the page and the page itself
// is at least 50% full.
const (
	duplicatePromotionPageFraction = 0.25
	minPageFullFraction            = 0.50
)

// CursorAdjuster is notified when PromoteDuplicates moves items out of
// a page, so any live cursor pointing into the moved region can be
// retargeted to the new off-page tree (spec.md §4.B
// "adjust any live cursors pointing into the moved region").
type CursorAdjuster interface {
	OnDuplicatesPromoted(leafPageNo uint32, firstIndx, lastIndx int, newRoot uint32)
}

// The promotion thresholds are evaluated against PromoteDuplicates's
// pageSize argument; callers pass ctx.PageSize.

// PromoteDuplicates copies the {key, data} pairs of the duplicate set
// starting at indx to a fresh off-page tree (sorted for a B-tree leaf,
// unsorted for a recno leaf), replaces all but the first slot with a
// single DUPLICATE{root_page} item, and notifies adjuster of the
// change (spec.md §4.B "promote_duplicates").
//
// dupCount is the number of {key, data} slot pairs sharing indx's key;
// newRootAllocator creates the fresh off-page tree and returns its
// root page number, writing pairs in the order supplied.
func PromoteDuplicates(p *Page, pageSize int, indx int, dupCount int, sorted bool,
	newRootAllocator func(pairs [][2]Item, sorted bool) (uint32, error),
	adjuster CursorAdjuster) (bool, error) {

	if dupCount < 2 {
		return false, nil
	}

	dupBytes := 0
	pairs := make([][2]Item, 0, dupCount)
	lastIndx := indx + dupCount*2 - 1
	for i := indx; i <= lastIndx && i+1 < int(p.Header.EntriesCount); i += 2 {
		key, err := p.ItemAt(i)
		if err != nil {
			return false, errTrace(err)
		}
		data, err := p.ItemAt(i + 1)
		if err != nil {
			return false, errTrace(err)
		}
		dupBytes += key.Size() + data.Size() + 2*SlotSize
		pairs = append(pairs, [2]Item{key, data})
	}

	used := pageSize - p.Header.FreeSpace()
	if float64(dupBytes) < duplicatePromotionPageFraction*float64(pageSize) ||
		float64(used) < minPageFullFraction*float64(pageSize) {
		return false, nil
	}

	root, err := newRootAllocator(pairs, sorted)
	if err != nil {
		return false, errTrace(err)
	}

	// Delete every slot in the duplicate set except the first, from the
	// highest index down so earlier deletes don't invalidate later
	// indices, then replace the first with a DUPLICATE item.
	for i := lastIndx; i > indx; i-- {
		if err := p.Delete(indx + 1); err != nil {
			return false, errTrace(err)
		}
	}
	if err := p.Replace(indx, Item{Kind: KindDuplicate, RootPage: root}); err != nil {
		return false, errTrace(err)
	}

	if adjuster != nil {
		adjuster.OnDuplicatesPromoted(p.Header.PageNo, indx, lastIndx, root)
	}
	return true, nil
}
