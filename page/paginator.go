// Package page implements a generic cursor-based bulk reader. A
// Paginator repeatedly fetches pages at an advancing offset and exposes
// the items as a lazy stream; with a blocking interval it becomes an
// infinite tailing reader that re-polls once the source is exhausted.
package page

import (
	"context"
	"io"
	"time"

	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/stream"
)

// Paginator drives page fetches for one upstream listing endpoint.
// Fetch failures surface to the caller unwrapped; retry, if desired,
// belongs to the caller (composability over built-in retry).
type Paginator[Req, Resp, Item any] struct {
	// Fetch performs one page request.
	Fetch func(ctx context.Context, req Req) (Resp, error)
	// Read extracts the page's items and the offset of the next page.
	Read func(resp Resp) ([]Item, uint64)
	// Prepare builds the request for a page of at most limit items
	// starting at offset.
	Prepare func(offset, limit uint64) Req
	// MaxPageSize caps the number of items requested per page.
	MaxPageSize uint64
}

// Options controls a single Request traversal.
type Options struct {
	// MaxItems bounds the total number of items yielded (0 = unlimited).
	MaxItems uint64
	// Blocking, when non-zero, turns the paginator into a tailing
	// reader: instead of terminating on a short page it waits this long
	// (interruptible) and polls again.
	Blocking time.Duration
	// StartOffset is the cursor to resume from.
	StartOffset uint64
}

// Request returns a lazy stream over the items. The stream is safely
// closeable mid-iteration, which aborts further fetches. A page with
// fewer items than requested marks the source exhausted.
func (p *Paginator[Req, Resp, Item]) Request(ctx context.Context, sig *stop.Signal, opts Options) stream.Stream[Item] {
	return &pages[Req, Resp, Item]{
		p:      p,
		ctx:    ctx,
		sig:    sig,
		opts:   opts,
		offset: opts.StartOffset,
	}
}

type pages[Req, Resp, Item any] struct {
	p    *Paginator[Req, Resp, Item]
	ctx  context.Context
	sig  *stop.Signal
	opts Options

	offset    uint64
	yielded   uint64
	buf       []Item
	idx       int
	exhausted bool
	closed    bool
}

func (s *pages[Req, Resp, Item]) Recv() (Item, error) {
	var zero Item
	for {
		if s.closed {
			return zero, io.EOF
		}
		if s.opts.MaxItems > 0 && s.yielded >= s.opts.MaxItems {
			return zero, io.EOF
		}
		if s.idx < len(s.buf) {
			item := s.buf[s.idx]
			s.idx++
			s.yielded++
			return item, nil
		}

		if s.exhausted {
			if s.opts.Blocking <= 0 {
				return zero, io.EOF
			}
			// Tailing mode: wait and re-poll.
			if s.sig.Wait(s.opts.Blocking) {
				return zero, io.EOF
			}
			s.exhausted = false
		}

		limit := s.p.MaxPageSize
		if s.opts.MaxItems > 0 {
			if remaining := s.opts.MaxItems - s.yielded; remaining < limit {
				limit = remaining
			}
		}

		resp, err := s.p.Fetch(s.ctx, s.p.Prepare(s.offset, limit))
		if err != nil {
			return zero, err
		}
		items, next := s.p.Read(resp)
		s.offset = next
		s.buf = items
		s.idx = 0
		if uint64(len(items)) < limit {
			s.exhausted = true
		}
	}
}

func (s *pages[Req, Resp, Item]) Close() {
	s.closed = true
}
