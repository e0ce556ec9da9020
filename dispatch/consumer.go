package dispatch

import (
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/stream"
	"github.com/stitchd/stitch/telemetry"
)

// consumer is one subscriber's pull-based view of the dispatcher. Recv
// runs the consumption cycle in the consumer's own goroutine: wait until
// the dispatcher is receiving, sleep the grace period, drain the
// reconciliation source, then drain the live queue. Any live-stream
// error other than the cancellation sentinel restarts the cycle on the
// assumption that data may be out of sync.
type consumer[T, V any] struct {
	d   *Dispatcher[T, V]
	sub *subscription[T, V]

	pending  []V
	recon    stream.Stream[V]
	inRecon  bool
	attached bool
	closed   bool
}

func (c *consumer[T, V]) Recv() (V, error) {
	var zero V
	for {
		if c.closed {
			return zero, io.EOF
		}
		if len(c.pending) > 0 {
			v := c.pending[0]
			c.pending = c.pending[1:]
			return v, nil
		}

		if !c.attached {
			if !c.d.waitReceiving() {
				return zero, io.EOF
			}
			c.inRecon = true
			// Let a few live items queue up so the reconciliation
			// window overlaps the point where live consumption resumes.
			if c.d.sig.Wait(c.d.opts.GracePeriod) {
				return zero, io.EOF
			}
			if c.sub.recon != nil {
				c.recon = c.sub.recon()
			}
			if c.recon == nil {
				log.Debug().
					Str("dispatcher", c.d.name).
					Uint64("subscription", c.sub.id).
					Msg("No reconciliation source, consuming live only")
			}
			c.attached = true
		}

		if c.recon != nil {
			v, err := c.recon.Recv()
			if err == nil {
				telemetry.ReconciledItems.With(c.d.name).Inc()
				return v, nil
			}
			c.recon.Close()
			c.recon = nil
			if err != io.EOF {
				// The backfill itself failed; data may be out of sync,
				// run a fresh cycle.
				log.Warn().Err(err).
					Str("dispatcher", c.d.name).
					Uint64("subscription", c.sub.id).
					Msg("Reconciliation source failed, restarting cycle")
				c.restart()
			}
			continue
		}

		// Caught up once the queue is first observed empty while still
		// reconciling. This is a heuristic: it trades bounded
		// duplication for simplicity.
		if c.inRecon && c.sub.q.empty() {
			c.inRecon = false
		}

		e, res := c.sub.q.pop(c.d.sig, c.d.opts.PollTimeout)
		switch res {
		case popCancelled:
			return zero, io.EOF
		case popTimeout:
			continue
		}
		telemetry.QueueDepth.With(c.d.name).Dec()

		if e.err != nil {
			if errors.Is(e.err, errCancelled) {
				return zero, io.EOF
			}
			log.Warn().Err(e.err).
				Str("dispatcher", c.d.name).
				Uint64("subscription", c.sub.id).
				Msg("Live stream error, re-entering reconciliation")
			telemetry.ReconCycles.With(c.d.name).Inc()
			c.restart()
			continue
		}

		vs, err := c.sub.convert(e.item, c.inRecon)
		if err != nil {
			log.Warn().Err(err).
				Str("dispatcher", c.d.name).
				Uint64("subscription", c.sub.id).
				Msg("Conversion failed, skipping item")
			continue
		}
		c.pending = vs
	}
}

func (c *consumer[T, V]) restart() {
	c.attached = false
	c.inRecon = false
	if c.recon != nil {
		c.recon.Close()
		c.recon = nil
	}
}

func (c *consumer[T, V]) Close() {
	c.closed = true
	if c.recon != nil {
		c.recon.Close()
		c.recon = nil
	}
}
