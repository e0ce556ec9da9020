package retry

import (
	"context"
	"errors"
)

// Kind is the three-way classification of a transport failure. It drives
// the retry-vs-propagate decision at every call site.
type Kind int

const (
	// Transient failures (network blip, backend briefly unavailable) are
	// retried automatically up to the policy budget.
	Transient Kind = iota
	// UserCancelled failures are never retried; the affected loop
	// terminates quietly.
	UserCancelled
	// Fatal failures (auth errors, programming errors, exhausted budget)
	// propagate to the owner.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case UserCancelled:
		return "user_cancelled"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps a transport-level failure to a Kind. Implementations
// are backend-specific and injected into the Policy, so the dispatcher
// and paginator never need to know about any one upstream.
type Classifier interface {
	Classify(err error) Kind
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(err error) Kind

func (f ClassifierFunc) Classify(err error) Kind { return f(err) }

// DefaultClassifier treats context cancellation as UserCancelled and
// everything else as Transient. Backends with richer status information
// should supply their own classifier.
var DefaultClassifier Classifier = ClassifierFunc(func(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return UserCancelled
	}
	return Transient
})
