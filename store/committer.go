package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
)

type pendingWrite struct {
	record  Record
	promise *future.Promise[error]
}

// groupCommitter coalesces concurrent single-record writes into one
// transaction so the live ingest path pays one fsync per window instead
// of one per record. Each caller still gets its own result.
type groupCommitter struct {
	core *sqlCore

	mu      sync.Mutex
	pending []pendingWrite

	maxBatchSize int
	maxWaitTime  time.Duration

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func newGroupCommitter(core *sqlCore, maxBatchSize int, maxWaitTime time.Duration) *groupCommitter {
	return &groupCommitter{
		core:         core,
		maxBatchSize: maxBatchSize,
		maxWaitTime:  maxWaitTime,
		stopCh:       make(chan struct{}),
	}
}

func (gc *groupCommitter) Start() {
	gc.wg.Add(1)
	go gc.flushLoop()
}

func (gc *groupCommitter) Stop() {
	if !gc.stopped.CompareAndSwap(false, true) {
		return
	}
	close(gc.stopCh)
	gc.wg.Wait()
}

func (gc *groupCommitter) Enqueue(record Record) *future.Future[error] {
	p := future.NewPromise[error]()

	gc.mu.Lock()
	gc.pending = append(gc.pending, pendingWrite{record: record, promise: p})
	full := len(gc.pending) >= gc.maxBatchSize
	gc.mu.Unlock()

	if full {
		go gc.tryFlush()
	}

	return p.Future()
}

func (gc *groupCommitter) flushLoop() {
	defer gc.wg.Done()

	ticker := time.NewTicker(gc.maxWaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gc.tryFlush()
		case <-gc.stopCh:
			gc.tryFlush()
			return
		}
	}
}

func (gc *groupCommitter) tryFlush() {
	gc.mu.Lock()
	if len(gc.pending) == 0 {
		gc.mu.Unlock()
		return
	}
	batch := gc.pending
	gc.pending = nil
	gc.mu.Unlock()

	gc.flush(batch)
}

func (gc *groupCommitter) flush(batch []pendingWrite) {
	records := make([]Record, len(batch))
	for i, pw := range batch {
		records[i] = pw.record
	}

	// Single transaction, single fsync for the whole batch
	err := gc.core.writeRecords(records)

	for _, pw := range batch {
		pw.promise.Set(nil, err)
	}
}
