package page

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitch/stop"
)

type listReq struct {
	offset uint64
	limit  uint64
}

type listResp struct {
	items      []string
	nextOffset uint64
}

// fakeSource serves fixed pages keyed by offset, like a remote listing
// endpoint with a monotonically increasing index.
type fakeSource struct {
	items   []string
	fetches atomic.Int32
	failAt  int32 // fetch number that should fail (0 = never)
}

func (f *fakeSource) fetch(_ context.Context, req listReq) (listResp, error) {
	n := f.fetches.Add(1)
	if f.failAt > 0 && n == f.failAt {
		return listResp{}, errors.New("page fetch failed")
	}
	end := req.offset + req.limit
	if end > uint64(len(f.items)) {
		end = uint64(len(f.items))
	}
	start := req.offset
	if start > end {
		start = end
	}
	return listResp{items: f.items[start:end], nextOffset: end}, nil
}

func newPaginator(src *fakeSource, maxPage uint64) *Paginator[listReq, listResp, string] {
	return &Paginator[listReq, listResp, string]{
		Fetch:       src.fetch,
		Read:        func(r listResp) ([]string, uint64) { return r.items, r.nextOffset },
		Prepare:     func(offset, limit uint64) listReq { return listReq{offset: offset, limit: limit} },
		MaxPageSize: maxPage,
	}
}

func collect(t *testing.T, s interface {
	Recv() (string, error)
}) []string {
	t.Helper()
	var out []string
	for {
		item, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, item)
	}
}

// Page sequence [[a,b],[c]] with max page size 2 yields a,b,c then
// terminates because the last page was short.
func TestPaginator_TerminatesOnShortPage(t *testing.T) {
	src := &fakeSource{items: []string{"a", "b", "c"}}
	p := newPaginator(src, 2)

	s := p.Request(context.Background(), stop.New(), Options{})
	assert.Equal(t, []string{"a", "b", "c"}, collect(t, s))
	assert.Equal(t, int32(2), src.fetches.Load())
}

func TestPaginator_MaxItemsBoundsTraversal(t *testing.T) {
	src := &fakeSource{items: []string{"a", "b", "c", "d", "e"}}
	p := newPaginator(src, 2)

	s := p.Request(context.Background(), stop.New(), Options{MaxItems: 3})
	assert.Equal(t, []string{"a", "b", "c"}, collect(t, s))
}

func TestPaginator_StartOffsetResumes(t *testing.T) {
	src := &fakeSource{items: []string{"a", "b", "c", "d"}}
	p := newPaginator(src, 10)

	s := p.Request(context.Background(), stop.New(), Options{StartOffset: 2})
	assert.Equal(t, []string{"c", "d"}, collect(t, s))
}

func TestPaginator_FetchErrorSurfacesUnwrapped(t *testing.T) {
	src := &fakeSource{items: []string{"a", "b", "c"}, failAt: 2}
	p := newPaginator(src, 2)

	s := p.Request(context.Background(), stop.New(), Options{})

	item, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", item)
	_, err = s.Recv()
	require.NoError(t, err)

	_, err = s.Recv()
	assert.EqualError(t, err, "page fetch failed")
}

func TestPaginator_CloseAbortsFurtherFetches(t *testing.T) {
	src := &fakeSource{items: []string{"a", "b", "c", "d"}}
	p := newPaginator(src, 2)

	s := p.Request(context.Background(), stop.New(), Options{})
	_, err := s.Recv()
	require.NoError(t, err)

	s.Close()
	_, err = s.Recv()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int32(1), src.fetches.Load(), "no fetch after Close")
}

// With Blocking set, a short page does not terminate the stream: the
// paginator waits and polls again, picking up newly appended items.
func TestPaginator_BlockingTailsNewItems(t *testing.T) {
	src := &fakeSource{items: []string{"a"}}
	p := newPaginator(src, 2)
	sig := stop.New()

	s := p.Request(context.Background(), sig, Options{Blocking: time.Millisecond})

	item, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", item)

	// Source grows while the reader is tailing.
	src.items = append(src.items, "b")

	item, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "b", item)

	// Cancellation ends the tail within one poll interval.
	sig.Set()
	_, err = s.Recv()
	assert.Equal(t, io.EOF, err)
}
