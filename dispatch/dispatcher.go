// Package dispatch multiplexes one live upstream subscription to any
// number of independent subscriber queues. Each subscriber runs a
// reconciliation phase before switching to live items, so gaps opened by
// late attachment or reconnects are backfilled (with bounded
// duplication) rather than silently lost.
package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/stream"
	"github.com/stitchd/stitch/telemetry"
)

// State of the dispatcher with respect to the upstream subscription.
// Single writer (the dispatcher goroutine, plus subscriber registration
// for the first transition); subscribers read it through waitReceiving.
type State int32

const (
	StateNotSubscribed State = iota
	StateSubscribedWaiting
	StateReceiving
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotSubscribed:
		return "not_subscribed"
	case StateSubscribedWaiting:
		return "subscribed_waiting"
	case StateReceiving:
		return "receiving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrStreamClosed is synthesized when the upstream stream ends without
// an error. Some backends close cleanly even though this is
// operationally a fault, so a clean close is treated like any other
// disconnect and triggers a fresh subscription.
var ErrStreamClosed = errors.New("dispatch: upstream stream ended unexpectedly")

// errCancelled is the user-cancellation sentinel pushed into subscriber
// queues on shutdown; consumers terminate cleanly instead of
// reconciling.
var errCancelled = errors.New("dispatch: cancelled")

// OpenFunc opens a brand-new upstream subscription. It is invoked once
// per (re)connect; a failed subscription is never resumed.
type OpenFunc[T any] func(ctx context.Context) (stream.Stream[T], error)

// ConvertFunc turns one upstream item into zero or more output values.
// inRecon is true while the subscriber is still backfilling, letting
// consumers distinguish backfilled from live items.
type ConvertFunc[T, V any] func(item T, inRecon bool) ([]V, error)

// ReconFunc opens a one-shot reconciliation source, typically a bounded
// trailing-window paginator. A nil ReconFunc (or a nil return) skips the
// backfill phase.
type ReconFunc[V any] func() stream.Stream[V]

// Options are the consumer-side timing knobs.
type Options struct {
	// GracePeriod is slept after the dispatcher turns receiving and
	// before the reconciliation source is opened, so a few live items
	// accumulate and the reconciliation window overlaps the live
	// stream's start.
	GracePeriod time.Duration
	// PollTimeout bounds each live-queue dequeue so liveness can be
	// re-checked periodically.
	PollTimeout time.Duration
}

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultPollTimeout = 15 * time.Second
)

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	return o
}

type subscription[T, V any] struct {
	id      uint64
	q       *queue[T]
	convert ConvertFunc[T, V]
	recon   ReconFunc[V]
}

// Dispatcher owns one live upstream subscription per connect cycle and
// fans received items out to every registered subscriber in order.
type Dispatcher[T, V any] struct {
	name string
	open OpenFunc[T]
	sig  *stop.Signal
	opts Options

	subs     *xsync.MapOf[uint64, *subscription[T, V]]
	nextID   atomic.Uint64
	subCount atomic.Int64

	mu             sync.Mutex
	state          State
	stateCh        chan struct{}
	cancelUpstream context.CancelFunc
}

// New creates a dispatcher for one event category. name labels logs and
// metrics only.
func New[T, V any](name string, sig *stop.Signal, open OpenFunc[T], opts Options) *Dispatcher[T, V] {
	return &Dispatcher[T, V]{
		name:    name,
		open:    open,
		sig:     sig,
		opts:    opts.withDefaults(),
		subs:    xsync.NewMapOf[uint64, *subscription[T, V]](),
		state:   StateNotSubscribed,
		stateCh: make(chan struct{}),
	}
}

// State returns the current dispatcher state.
func (d *Dispatcher[T, V]) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Subscribers returns the number of registered subscriptions.
func (d *Dispatcher[T, V]) Subscribers() int {
	return int(d.subCount.Load())
}

// QueueDepth returns the total number of queued envelopes across all
// subscribers, for introspection.
func (d *Dispatcher[T, V]) QueueDepth() int {
	total := 0
	d.subs.Range(func(_ uint64, sub *subscription[T, V]) bool {
		total += sub.q.len()
		return true
	})
	return total
}

// Subscribe registers a new subscriber and returns a factory producing
// fresh restartable consumer streams. Calling the factory again restarts
// the wait/grace/reconcile cycle, which consumers use after a failure on
// their side. Subscriptions live as long as the dispatcher; they are
// never removed.
func (d *Dispatcher[T, V]) Subscribe(convert ConvertFunc[T, V], recon ReconFunc[V]) func() stream.Stream[V] {
	sub := &subscription[T, V]{
		id:      d.nextID.Add(1),
		q:       newQueue[T](),
		convert: convert,
		recon:   recon,
	}
	d.subs.Store(sub.id, sub)
	d.subCount.Add(1)
	telemetry.Subscribers.With(d.name).Inc()

	d.mu.Lock()
	if d.state == StateNotSubscribed {
		d.setStateLocked(StateSubscribedWaiting)
	} else {
		d.broadcastLocked()
	}
	d.mu.Unlock()

	log.Debug().Str("dispatcher", d.name).Uint64("subscription", sub.id).Msg("Subscriber registered")

	return func() stream.Stream[V] {
		return &consumer[T, V]{d: d, sub: sub}
	}
}

// Run blocks until at least one subscriber exists, opens exactly one
// upstream subscription and fans items out until the stream fails. The
// error (a clean close is converted to ErrStreamClosed) is returned for
// the owner's retry policy; the next Run opens a brand-new subscription.
// Cancellation returns nil after pushing the cancellation sentinel to
// every queue, and a Run invoked after Stop returns nil without opening
// anything.
func (d *Dispatcher[T, V]) Run(ctx context.Context) error {
	if !d.waitForSubscriber() {
		d.shutdown()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancelUpstream = cancel
	d.mu.Unlock()

	attachStart := time.Now()
	us, err := d.open(ctx)
	if err != nil {
		if d.sig.IsSet() {
			d.shutdown()
			return nil
		}
		return err
	}
	defer us.Close()

	// Confirm liveness with the first item before flipping to
	// receiving; the first item is fanned out like any other.
	item, err := us.Recv()
	if err != nil {
		return d.streamFailed(err)
	}
	d.setState(StateReceiving)
	telemetry.StreamAttachSeconds.With(d.name).Observe(time.Since(attachStart).Seconds())
	log.Info().Str("dispatcher", d.name).Msg("Upstream subscription receiving")

	d.fanOut(item)
	for {
		item, err = us.Recv()
		if err != nil {
			return d.streamFailed(err)
		}
		d.fanOut(item)
	}
}

// Stop cancels the open upstream subscription, if any. Blocked waiters
// unwind through the stop signal.
func (d *Dispatcher[T, V]) Stop() {
	d.mu.Lock()
	cancel := d.cancelUpstream
	d.setStateLocked(StateStopped)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher[T, V]) fanOut(item T) {
	pushed := 0
	d.subs.Range(func(_ uint64, sub *subscription[T, V]) bool {
		sub.q.push(envelope[T]{item: item})
		pushed++
		return true
	})
	telemetry.DispatchedItems.With(d.name).Inc()
	telemetry.QueueDepth.With(d.name).Add(float64(pushed))
}

func (d *Dispatcher[T, V]) fanErr(err error) {
	pushed := 0
	d.subs.Range(func(_ uint64, sub *subscription[T, V]) bool {
		sub.q.push(envelope[T]{err: err})
		pushed++
		return true
	})
	telemetry.QueueDepth.With(d.name).Add(float64(pushed))
}

func (d *Dispatcher[T, V]) streamFailed(err error) error {
	if d.sig.IsSet() {
		d.shutdown()
		return nil
	}
	if err == io.EOF {
		err = ErrStreamClosed
	}
	log.Warn().Err(err).Str("dispatcher", d.name).Msg("Upstream stream failed, subscribers will reconcile")
	telemetry.UpstreamDisconnects.With(d.name).Inc()
	d.fanErr(err)
	d.setState(StateSubscribedWaiting)
	return err
}

func (d *Dispatcher[T, V]) shutdown() {
	d.fanErr(errCancelled)
	d.setState(StateStopped)
}

// waitForSubscriber blocks until a subscription exists. Returns false
// once stopped or cancelled, so a Run invoked after Stop never opens a
// fresh upstream subscription.
func (d *Dispatcher[T, V]) waitForSubscriber() bool {
	for {
		d.mu.Lock()
		st := d.state
		ch := d.stateCh
		d.mu.Unlock()

		if st == StateStopped || d.sig.IsSet() {
			return false
		}
		if d.subCount.Load() > 0 {
			return true
		}
		select {
		case <-ch:
		case <-d.sig.Chan():
		}
	}
}

// waitReceiving blocks until the dispatcher is receiving. Returns false
// when stopped or cancelled.
func (d *Dispatcher[T, V]) waitReceiving() bool {
	for {
		d.mu.Lock()
		st := d.state
		ch := d.stateCh
		d.mu.Unlock()

		if st == StateReceiving {
			return true
		}
		if st == StateStopped || d.sig.IsSet() {
			return false
		}
		select {
		case <-ch:
		case <-d.sig.Chan():
		}
	}
}

func (d *Dispatcher[T, V]) setState(s State) {
	d.mu.Lock()
	d.setStateLocked(s)
	d.mu.Unlock()
}

func (d *Dispatcher[T, V]) setStateLocked(s State) {
	if d.state == StateStopped && s != StateStopped {
		return // stopped is terminal
	}
	d.state = s
	d.broadcastLocked()
}

func (d *Dispatcher[T, V]) broadcastLocked() {
	close(d.stateCh)
	d.stateCh = make(chan struct{})
}
