// Package retry wraps fallible operations with bounded, classified
// retries. The budget refills when failures are sparse: an operation
// that ran longer than the tolerance window before failing is treated
// as a flaky-but-mostly-working connection rather than a broken one.
package retry

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/stop"
	"github.com/stitchd/stitch/telemetry"
)

// Defaults mirror the knobs exposed through cfg.
const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 15 * time.Second
	DefaultTolerance   = 10 * time.Minute
)

// Policy retries an operation on Transient failures with a fixed delay
// between attempts. UserCancelled and Fatal failures propagate
// immediately; exhausting the budget re-raises the last error.
type Policy struct {
	MaxAttempts int           // total attempt budget, first attempt included
	Delay       time.Duration // fixed delay between attempts
	Tolerance   time.Duration // window after which the budget refills (0 = never)
	Classifier  Classifier    // nil = DefaultClassifier

	// Clock overrides time.Now, for tests that simulate long-running
	// attempts without sleeping.
	Clock func() time.Time
}

// DefaultPolicy returns a Policy with the package defaults and the
// given classifier.
func DefaultPolicy(c Classifier) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		Tolerance:   DefaultTolerance,
		Classifier:  c,
	}
}

func (p Policy) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p Policy) classify(err error) Kind {
	c := p.Classifier
	if c == nil {
		c = DefaultClassifier
	}
	return c.Classify(err)
}

// Do runs fn, retrying Transient failures until the budget runs out.
// A cancellation during the inter-attempt wait returns nil (no-op
// result) rather than an error, so callers unwind without noise. The
// name is only used for logging.
func (p Policy) Do(sig *stop.Signal, name string, fn func() error) error {
	retriesLeft := p.MaxAttempts
	if retriesLeft <= 0 {
		retriesLeft = DefaultMaxAttempts
	}

	for {
		started := p.now()
		err := fn()
		if err == nil {
			return nil
		}

		switch p.classify(err) {
		case UserCancelled:
			log.Debug().Str("op", name).Msg("Operation cancelled")
			return err
		case Fatal:
			log.Error().Err(err).Str("op", name).Msg("Fatal error, not retrying")
			return err
		}

		// A long stretch of successful operation before this failure
		// earns the budget back.
		if p.Tolerance > 0 && p.now().Sub(started) >= p.Tolerance {
			if retriesLeft < p.MaxAttempts {
				telemetry.RetryRefills.With(name).Inc()
			}
			retriesLeft = p.MaxAttempts
		}

		retriesLeft--
		if retriesLeft <= 0 {
			telemetry.RetryExhausted.With(name).Inc()
			log.Error().Err(err).Str("op", name).Msg("Retry budget exhausted")
			return err
		}

		telemetry.RetryAttempts.With(name).Inc()
		log.Warn().
			Err(err).
			Str("op", name).
			Int("retries_left", retriesLeft).
			Dur("retry_in", p.Delay).
			Msg("Transient failure, retrying")

		if sig.Wait(p.Delay) {
			// Cancelled while waiting: report a no-op success so the
			// caller's shutdown path stays quiet.
			return nil
		}
	}
}
