package dispatch

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/stream"
)

type recvResult struct {
	v   int
	err error
}

// feedOpen scripts successive upstream subscriptions. Each feed is
// played once; after its results are exhausted the stream blocks until
// the context is cancelled, like a quiet live subscription. Opens beyond
// the scripted feeds block immediately.
func feedOpen(opens *atomic.Int32, feeds ...[]recvResult) OpenFunc[int] {
	var next atomic.Int32
	return func(ctx context.Context) (stream.Stream[int], error) {
		opens.Add(1)
		n := int(next.Add(1)) - 1

		var feed []recvResult
		if n < len(feeds) {
			feed = feeds[n]
		}

		i := 0
		return stream.Func(func() (int, error) {
			if i < len(feed) {
				r := feed[i]
				i++
				return r.v, r.err
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}), nil
	}
}

func identity(item int, _ bool) ([]int, error) {
	return []int{item}, nil
}

// recvN collects n values from a consumer stream, failing the test if a
// value does not arrive in time.
func recvN(t *testing.T, s stream.Stream[int], n int) []int {
	t.Helper()

	type result struct {
		vs  []int
		err error
	}
	done := make(chan result, 1)
	go func() {
		vs := make([]int, 0, n)
		for len(vs) < n {
			v, err := s.Recv()
			if err != nil {
				done <- result{vs, err}
				return
			}
			vs = append(vs, v)
		}
		done <- result{vs, nil}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err, "consumer failed after %v", r.vs)
		return r.vs
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d items", n)
		return nil
	}
}

func fastOpts() Options {
	return Options{GracePeriod: time.Millisecond, PollTimeout: 50 * time.Millisecond}
}

func TestDispatcher_FanOutSameOrder(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("payments", sig, feedOpen(&opens, []recvResult{{v: 1}, {v: 2}, {v: 3}}), fastOpts())

	openA := d.Subscribe(identity, nil)
	openB := d.Subscribe(identity, nil)
	require.Equal(t, 2, d.Subscribers())

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	a := recvN(t, openA(), 3)
	b := recvN(t, openB(), 3)
	require.Equal(t, []int{1, 2, 3}, a)
	require.Equal(t, []int{1, 2, 3}, b)

	// Exactly one upstream subscription regardless of subscriber count
	require.Equal(t, int32(1), opens.Load())

	sig.Set()
	d.Stop()
	require.NoError(t, <-runDone)
}

func TestDispatcher_NoSubscriberNoOpen(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("invoices", sig, feedOpen(&opens), fastOpts())

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), opens.Load())
	require.Equal(t, StateNotSubscribed, d.State())

	sig.Set()
	require.NoError(t, <-runDone)
	require.Equal(t, StateStopped, d.State())
}

func TestDispatcher_CleanCloseSynthesizesError(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	openFn := feedOpen(&opens,
		[]recvResult{{v: 1}, {err: io.EOF}},
		[]recvResult{{v: 2}},
	)
	d := New[int, int]("forwards", sig, openFn, fastOpts())

	open := d.Subscribe(identity, nil)
	s := open()
	defer s.Close()

	// Owner loop: retry Run across the clean close, gated so the state
	// after the first Run can be observed
	runDone := make(chan error, 1)
	runAgain := make(chan struct{})
	go func() {
		runDone <- d.Run(context.Background())
		<-runAgain
		_ = d.Run(context.Background())
	}()

	require.ErrorIs(t, <-runDone, ErrStreamClosed)
	require.Equal(t, StateSubscribedWaiting, d.State())

	// Items queued before the close survive the resubscribe
	close(runAgain)
	require.Equal(t, []int{1, 2}, recvN(t, s, 2))

	sig.Set()
	d.Stop()
}

func TestDispatcher_ReconRunsBeforeLive(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("payments", sig, feedOpen(&opens, []recvResult{{v: 1}, {v: 2}}), fastOpts())

	recon := func() stream.Stream[int] {
		return stream.FromSlice([]int{10, 11})
	}
	open := d.Subscribe(identity, recon)
	s := open()
	defer s.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	// Backfilled items surface before anything queued from the live
	// stream, which keeps waiting in the queue meanwhile
	require.Equal(t, []int{10, 11, 1, 2}, recvN(t, s, 4))

	sig.Set()
	d.Stop()
	require.NoError(t, <-runDone)
}

func TestDispatcher_UpstreamGapTriggersReconcile(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	boom := errors.New("connection reset")
	openFn := feedOpen(&opens,
		[]recvResult{{v: 1}, {err: boom}},
		[]recvResult{{v: 2}, {v: 3}},
	)
	d := New[int, int]("htlc_events", sig, openFn, fastOpts())

	var reconCalls atomic.Int32
	recon := func() stream.Stream[int] {
		reconCalls.Add(1)
		return stream.FromSlice[int](nil)
	}
	open := d.Subscribe(identity, recon)
	s := open()
	defer s.Close()

	// Owner loop: retry Run across the stream failure
	runDone := make(chan error, 1)
	go func() {
		err := d.Run(context.Background())
		runDone <- err
		_ = d.Run(context.Background())
	}()

	require.Equal(t, []int{1}, recvN(t, s, 1))
	require.ErrorIs(t, <-runDone, boom)

	// After the gap the consumer reconciles again, then resumes live
	require.Equal(t, []int{2, 3}, recvN(t, s, 2))
	require.Equal(t, int32(2), reconCalls.Load())
	require.Equal(t, int32(2), opens.Load())

	sig.Set()
	d.Stop()
}

func TestDispatcher_ReconFailureRestartsOnlyThatSubscriber(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("payments", sig, feedOpen(&opens, []recvResult{{v: 1}, {v: 2}}), fastOpts())

	var flakyCalls atomic.Int32
	flakyRecon := func() stream.Stream[int] {
		if flakyCalls.Add(1) == 1 {
			return stream.Func(func() (int, error) {
				return 0, errors.New("backfill source unavailable")
			})
		}
		return stream.FromSlice[int](nil)
	}

	openFlaky := d.Subscribe(identity, flakyRecon)
	openSteady := d.Subscribe(identity, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Equal(t, []int{1, 2}, recvN(t, openSteady(), 2))

	// The flaky subscriber restarted its cycle and still sees every
	// queued item; nothing was lost to the failed backfill
	require.Equal(t, []int{1, 2}, recvN(t, openFlaky(), 2))
	require.GreaterOrEqual(t, flakyCalls.Load(), int32(2))

	sig.Set()
	d.Stop()
	require.NoError(t, <-runDone)
}

func TestDispatcher_ConversionErrorSkipsItem(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("invoices", sig, feedOpen(&opens, []recvResult{{v: 1}, {v: 2}, {v: 3}}), fastOpts())

	dropEven := func(item int, _ bool) ([]int, error) {
		if item%2 == 0 {
			return nil, errors.New("malformed item")
		}
		return []int{item}, nil
	}
	open := d.Subscribe(dropEven, nil)
	s := open()
	defer s.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Equal(t, []int{1, 3}, recvN(t, s, 2))

	sig.Set()
	d.Stop()
	require.NoError(t, <-runDone)
}

func TestDispatcher_RunAfterStopOpensNothing(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("payments", sig, feedOpen(&opens, []recvResult{{v: 1}}), fastOpts())

	d.Subscribe(identity, nil)
	d.Stop()

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, int32(0), opens.Load())
	require.Equal(t, StateStopped, d.State())
}

func TestDispatcher_CancellationEndsConsumers(t *testing.T) {
	sig := stop.New()
	var opens atomic.Int32
	d := New[int, int]("forwards", sig, feedOpen(&opens, []recvResult{{v: 1}}), fastOpts())

	open := d.Subscribe(identity, nil)
	s := open()

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Equal(t, []int{1}, recvN(t, s, 1))

	sig.Set()
	d.Stop()
	require.NoError(t, <-runDone)

	_, err := s.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, StateStopped, d.State())
}
