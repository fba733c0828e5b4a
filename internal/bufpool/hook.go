// Package bufpool implements the page manager hook and buffer cache
// pin/unpin contract (spec.md §4.C), the one place the generic page
// codec (internal/page) is installed per open database.
package bufpool

import "github.com/coredbio/coredb/internal/page"

// Hook is the function-pointer pair an access method installs at open
// time; the cache calls PageIn from Fget (after I/O, before handing
// the page to the requester) and PageOut from Fput/page-flush (before
// writing), per spec.md §4.C.
type Hook struct {
	Ctx     page.Ctx
	PageIn  func(pageNo uint32, buf []byte, ctx page.Ctx) error
	PageOut func(pageNo uint32, buf []byte, ctx page.Ctx) error
}

// DefaultHook wires in internal/page's generic byte-swap codec.
func DefaultHook(ctx page.Ctx) Hook {
	return Hook{Ctx: ctx, PageIn: page.PageIn, PageOut: page.PageOut}
}
