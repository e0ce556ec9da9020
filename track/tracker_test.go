package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitch/dispatch"
	"github.com/stitchd/stitch/retry"
	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/stream"
)

// memSink is an in-memory store.Sink with injectable failures.
type memSink struct {
	mu          sync.Mutex
	records     map[string]store.Record
	checkpoints map[string]uint64
	failKeys    map[string]int // key -> remaining failures
}

func newMemSink() *memSink {
	return &memSink{
		records:     make(map[string]store.Record),
		checkpoints: make(map[string]uint64),
		failKeys:    make(map[string]int),
	}
}

func (m *memSink) failOnce(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKeys[key]++
}

func (m *memSink) Checkpoint(category string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[category], nil
}

func (m *memSink) AddBatch(records []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if err := m.addLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSink) AddOne(record store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(record)
}

func (m *memSink) addLocked(r store.Record) error {
	if m.failKeys[r.Key] > 0 {
		m.failKeys[r.Key]--
		return errors.New("disk full")
	}
	id := r.Category + "/" + r.Key
	if _, exists := m.records[id]; !exists {
		m.records[id] = r
	}
	if r.Position > m.checkpoints[r.Category] {
		m.checkpoints[r.Category] = r.Position
	}
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) count(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Category == category {
			n++
		}
	}
	return n
}

func (m *memSink) has(category, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[category+"/"+key]
	return ok
}

func rec(category string, pos uint64) store.Record {
	return store.Record{
		Category: category,
		Key:      fmt.Sprintf("k%d", pos),
		Position: pos,
		At:       time.Now(),
	}
}

func convertInt(category string) dispatch.ConvertFunc[int, store.Record] {
	return func(item int, _ bool) ([]store.Record, error) {
		return []store.Record{rec(category, uint64(item))}, nil
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		Delay:       5 * time.Millisecond,
		Tolerance:   time.Minute,
	}
}

func fastDispatch() dispatch.Options {
	return dispatch.Options{GracePeriod: time.Millisecond, PollTimeout: 50 * time.Millisecond}
}

// scriptedLive plays the given feeds as successive live subscriptions.
// A negative value fails the stream at that point; after a feed runs dry
// the stream blocks until cancelled.
func scriptedLive(feeds ...[]int) dispatch.OpenFunc[int] {
	var next atomic.Int32
	return func(ctx context.Context) (stream.Stream[int], error) {
		n := int(next.Add(1)) - 1
		var feed []int
		if n < len(feeds) {
			feed = feeds[n]
		}
		i := 0
		return stream.Func(func() (int, error) {
			if i < len(feed) {
				v := feed[i]
				i++
				if v < 0 {
					return 0, errors.New("stream torn down")
				}
				return v, nil
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}), nil
	}
}

func historyUpTo(category string, max uint64, calls *atomic.Int32, gotCheckpoint *atomic.Uint64) HistoryFunc {
	return func(ctx context.Context, sig *stop.Signal, checkpoint uint64) stream.Stream[store.Record] {
		if calls != nil {
			calls.Add(1)
		}
		if gotCheckpoint != nil {
			gotCheckpoint.Store(checkpoint)
		}
		var records []store.Record
		for pos := checkpoint + 1; pos <= max; pos++ {
			records = append(records, rec(category, pos))
		}
		return stream.FromSlice(records)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config[int]{})
	require.Error(t, err)

	_, err = New(Config[int]{Category: "payments"})
	require.Error(t, err)

	_, err = New(Config[int]{
		Category: "payments",
		Sink:     newMemSink(),
		OpenLive: scriptedLive(),
		Convert:  convertInt("payments"),
	})
	require.NoError(t, err)
}

func TestTracker_PreSyncResumesFromCheckpoint(t *testing.T) {
	sink := newMemSink()
	require.NoError(t, sink.AddBatch([]store.Record{rec("payments", 1), rec("payments", 2)}))

	var calls atomic.Int32
	var gotCheckpoint atomic.Uint64
	tr, err := New(Config[int]{
		Category:  "payments",
		Sink:      sink,
		Policy:    testPolicy(),
		OpenLive:  scriptedLive(),
		Convert:   convertInt("payments"),
		History:   historyUpTo("payments", 10, &calls, &gotCheckpoint),
		BatchSize: 3,
		Dispatch:  fastDispatch(),
	})
	require.NoError(t, err)

	tr.PreSyncStart(context.Background())
	require.NoError(t, tr.PreSyncWait())

	require.Equal(t, uint64(2), gotCheckpoint.Load())
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 10, sink.count("payments"))

	pos, err := sink.Checkpoint("payments")
	require.NoError(t, err)
	require.Equal(t, uint64(10), pos)
}

func TestTracker_PreSyncStopWritesInFlightBatch(t *testing.T) {
	sink := newMemSink()

	tr, err := New(Config[int]{
		Category:  "invoices",
		Sink:      sink,
		Policy:    testPolicy(),
		OpenLive:  scriptedLive(),
		Convert:   convertInt("invoices"),
		History:   historyUpTo("invoices", 12, nil, nil),
		BatchSize: 5,
		Dispatch:  fastDispatch(),
	})
	require.NoError(t, err)

	// Stop before the run even begins: the first full batch is still
	// written before the flag is honored
	tr.PreSyncStop()
	tr.PreSyncStart(context.Background())
	require.NoError(t, tr.PreSyncWait())

	require.Equal(t, 5, sink.count("invoices"))

	pos, err := sink.Checkpoint("invoices")
	require.NoError(t, err)
	require.Equal(t, uint64(5), pos)
}

func TestTracker_LiveIngestAtLeastOnceAcrossGap(t *testing.T) {
	sink := newMemSink()

	// Upstream truth grows to 5 events. The live stream drops out after
	// delivering 1 and 2; event 3 falls into the gap and only the
	// reconciliation pass can recover it.
	var truthMu sync.Mutex
	truth := uint64(3)

	recon := func(checkpoint uint64) stream.Stream[store.Record] {
		truthMu.Lock()
		max := truth
		truthMu.Unlock()
		var records []store.Record
		for pos := checkpoint + 1; pos <= max; pos++ {
			records = append(records, rec("htlc_events", pos))
		}
		return stream.FromSlice(records)
	}

	var next atomic.Int32
	openLive := func(ctx context.Context) (stream.Stream[int], error) {
		if next.Add(1) == 1 {
			feed := []int{1, 2, -1}
			i := 0
			return stream.Func(func() (int, error) {
				if i < len(feed) {
					v := feed[i]
					i++
					if v < 0 {
						return 0, errors.New("stream torn down")
					}
					return v, nil
				}
				<-ctx.Done()
				return 0, ctx.Err()
			}), nil
		}
		truthMu.Lock()
		truth = 5
		truthMu.Unlock()
		feed := []int{4, 5}
		i := 0
		return stream.Func(func() (int, error) {
			if i < len(feed) {
				v := feed[i]
				i++
				return v, nil
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}), nil
	}

	tr, err := New(Config[int]{
		Category: "htlc_events",
		Sink:     sink,
		Policy:   testPolicy(),
		OpenLive: openLive,
		Convert:  convertInt("htlc_events"),
		Recon:    recon,
		Dispatch: fastDispatch(),
	})
	require.NoError(t, err)

	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool {
		return sink.count("htlc_events") == 5
	}, 5*time.Second, 10*time.Millisecond, "expected all 5 events, have %d", sink.count("htlc_events"))

	for pos := uint64(1); pos <= 5; pos++ {
		require.True(t, sink.has("htlc_events", fmt.Sprintf("k%d", pos)), "missing k%d", pos)
	}

	pos, err := sink.Checkpoint("htlc_events")
	require.NoError(t, err)
	require.Equal(t, uint64(5), pos)
}

func TestTracker_PersistFailureRestartsCycle(t *testing.T) {
	sink := newMemSink()
	sink.failOnce("k2")

	recon := func(checkpoint uint64) stream.Stream[store.Record] {
		var records []store.Record
		for pos := checkpoint + 1; pos <= 3; pos++ {
			records = append(records, rec("forwards", pos))
		}
		return stream.FromSlice(records)
	}

	tr, err := New(Config[int]{
		Category: "forwards",
		Sink:     sink,
		Policy:   testPolicy(),
		OpenLive: scriptedLive([]int{1, 2, 3}),
		Convert:  convertInt("forwards"),
		Recon:    recon,
		Dispatch: fastDispatch(),
	})
	require.NoError(t, err)

	tr.Start(context.Background())
	defer tr.Stop()

	// k2 fails once; the restarted cycle reconciles it back in
	require.Eventually(t, func() bool {
		return sink.count("forwards") == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTracker_StopTerminates(t *testing.T) {
	sink := newMemSink()

	tr, err := New(Config[int]{
		Category: "payments",
		Sink:     sink,
		Policy:   testPolicy(),
		OpenLive: scriptedLive([]int{1}),
		Convert:  convertInt("payments"),
		History:  historyUpTo("payments", 3, nil, nil),
		Dispatch: fastDispatch(),
	})
	require.NoError(t, err)

	tr.PreSyncStart(context.Background())
	require.NoError(t, tr.PreSyncWait())
	tr.Start(context.Background())

	require.Eventually(t, func() bool {
		return sink.has("payments", "k1")
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate")
	}
}
