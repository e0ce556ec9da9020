package track_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stitchd/stitch/retry"
	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/store"
	"github.com/stitchd/stitch/stream"
	"github.com/stitchd/stitch/track"
)

// countingSink is a minimal in-memory store.Sink for the example.
type countingSink struct {
	count      int
	checkpoint uint64
}

func (s *countingSink) Checkpoint(string) (uint64, error) { return s.checkpoint, nil }

func (s *countingSink) AddBatch(records []store.Record) error {
	for _, r := range records {
		s.count++
		if r.Position > s.checkpoint {
			s.checkpoint = r.Position
		}
	}
	return nil
}

func (s *countingSink) AddOne(record store.Record) error {
	return s.AddBatch([]store.Record{record})
}

func (s *countingSink) Close() error { return nil }

func ExampleTracker_preSync() {
	sink := &countingSink{checkpoint: 2}

	tracker, err := track.New(track.Config[int]{
		Category: track.CategoryPayments,
		Sink:     sink,
		Policy:   retry.Policy{MaxAttempts: 3, Delay: time.Millisecond},
		OpenLive: func(ctx context.Context) (stream.Stream[int], error) {
			return stream.Func(func() (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			}), nil
		},
		Convert: func(item int, _ bool) ([]store.Record, error) {
			return []store.Record{{
				Category: track.CategoryPayments,
				Key:      fmt.Sprintf("pay-%d", item),
				Position: uint64(item),
			}}, nil
		},
		// History replays everything past the checkpoint, here 3..5
		History: func(ctx context.Context, sig *stop.Signal, checkpoint uint64) stream.Stream[store.Record] {
			var records []store.Record
			for pos := checkpoint + 1; pos <= 5; pos++ {
				records = append(records, store.Record{
					Category: track.CategoryPayments,
					Key:      fmt.Sprintf("pay-%d", pos),
					Position: pos,
				})
			}
			return stream.FromSlice(records)
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	tracker.PreSyncStart(context.Background())
	if err := tracker.PreSyncWait(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Synced %d records, checkpoint at %d\n", sink.count, sink.checkpoint)

	// Output:
	// Synced 3 records, checkpoint at 5
}
