package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/bufpool"
	"github.com/coredbio/coredb/internal/lsn"
	"github.com/coredbio/coredb/internal/page"
)

func newTestCache(t *testing.T) *bufpool.Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	c, err := bufpool.Open(path, 4096, bufpool.DefaultHook(page.Ctx{PageSize: 4096}), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestApplyAddRemRedoThenUndo(t *testing.T) {
	c := newTestCache(t)
	d := &Dispatcher{Pager: c}

	pno, err := c.NewPageNo()
	require.NoError(t, err)
	p, err := c.Fetch(pno, true)
	require.NoError(t, err)
	p.Header.PageLSN = lsn.LSN{File: 1, Offset: 100}
	p.Flush()
	require.NoError(t, c.Put(p, true))

	item := page.Item{Kind: page.KindKeyData, Bytes: []byte("hello")}
	payload := AddRemPayload{
		Op:          AddRemAdd,
		PageNo:      pno,
		Indx:        0,
		PrevPageLSN: lsn.LSN{File: 1, Offset: 100},
		Item:        item.Encode(),
	}
	recLSN := lsn.LSN{File: 1, Offset: 200}

	require.NoError(t, d.applyAddRem(EncodeAddRem(payload), recLSN, Redo))

	p, err = c.Fetch(pno, false)
	require.NoError(t, err)
	require.Equal(t, recLSN, p.Header.PageLSN)
	got, err := p.ItemAt(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Bytes)
	require.NoError(t, c.Put(p, false))

	require.NoError(t, d.applyAddRem(EncodeAddRem(payload), recLSN, Undo))

	p, err = c.Fetch(pno, false)
	require.NoError(t, err)
	require.Equal(t, payload.PrevPageLSN, p.Header.PageLSN)
	require.NoError(t, c.Put(p, false))
}

func TestApplyOvRefRedoUndo(t *testing.T) {
	c := newTestCache(t)
	d := &Dispatcher{Pager: c}

	pno, err := c.NewPageNo()
	require.NoError(t, err)
	p, err := c.Fetch(pno, true)
	require.NoError(t, err)
	page.ReinitOverflowPage(p, []byte("chunk"))
	p.Header.PageLSN = lsn.LSN{File: 1, Offset: 50}
	p.Flush()
	require.NoError(t, c.Put(p, true))
	require.EqualValues(t, 1, page.OverflowRefcount(p))

	payload := OvRefPayload{PageNo: pno, PrevPageLSN: lsn.LSN{File: 1, Offset: 50}, Adjust: 1}
	recLSN := lsn.LSN{File: 1, Offset: 90}

	require.NoError(t, d.applyOvRef(EncodeOvRef(payload), recLSN, Redo))
	p, err = c.Fetch(pno, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, page.OverflowRefcount(p))
	require.NoError(t, c.Put(p, false))

	require.NoError(t, d.applyOvRef(EncodeOvRef(payload), recLSN, Undo))
	p, err = c.Fetch(pno, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, page.OverflowRefcount(p))
	require.NoError(t, c.Put(p, false))
}

func TestApplyPageEditSkipsWhenNotApplicable(t *testing.T) {
	c := newTestCache(t)
	d := &Dispatcher{Pager: c}

	pno, err := c.NewPageNo()
	require.NoError(t, err)
	p, err := c.Fetch(pno, true)
	require.NoError(t, err)
	p.Header.PageLSN = lsn.LSN{File: 9, Offset: 9}
	p.Flush()
	require.NoError(t, c.Put(p, true))

	payload := OvRefPayload{PageNo: pno, PrevPageLSN: lsn.LSN{File: 1, Offset: 1}, Adjust: 1}
	require.NoError(t, d.applyOvRef(EncodeOvRef(payload), lsn.LSN{File: 2, Offset: 2}, Redo))

	p, err = c.Fetch(pno, false)
	require.NoError(t, err)
	require.Equal(t, lsn.LSN{File: 9, Offset: 9}, p.Header.PageLSN, "unrelated record must not touch the page")
	require.NoError(t, c.Put(p, false))
}
