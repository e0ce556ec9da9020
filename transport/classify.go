package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchd/stitch/retry"
)

// Classifier maps gRPC failures onto retry behavior.
var Classifier retry.Classifier = retry.ClassifierFunc(Classify)

// unknownFatalReasons are upstream message fragments that signal a
// permanent condition even though the status code is Unknown. These come
// from nodes that fold application errors into Unknown.
var unknownFatalReasons = []string{
	"permission denied",
	"unknown service",
	"macaroon",
	"signature mismatch",
}

// Classify decides whether an upstream failure is worth retrying.
//
// Connectivity-shaped codes are transient: the node restarting, a deadline
// elapsing, the server shedding load. Cancellation maps to UserCancelled so
// shutdown never burns retry budget. Everything else, bad requests and auth
// failures in particular, is fatal; retrying those only repeats the answer.
func Classify(err error) retry.Kind {
	if errors.Is(err, context.Canceled) {
		return retry.UserCancelled
	}

	s, ok := status.FromError(err)
	if !ok {
		// Not a gRPC status, likely a plain network error
		return retry.Transient
	}

	switch s.Code() {
	case codes.Canceled:
		return retry.UserCancelled

	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.Internal:
		return retry.Transient

	case codes.Unknown:
		msg := strings.ToLower(s.Message())
		for _, reason := range unknownFatalReasons {
			if strings.Contains(msg, reason) {
				return retry.Fatal
			}
		}
		return retry.Transient

	default:
		return retry.Fatal
	}
}

// DomainError is an application-level failure extracted from a gRPC status.
type DomainError struct {
	Code   codes.Code
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("upstream rejected request (%s): %s", e.Code, e.Reason)
}

// ExtractDomainError pulls the application failure out of a gRPC status
// error. Returns false for plain errors and for successful statuses.
func ExtractDomainError(err error) (*DomainError, bool) {
	if err == nil {
		return nil, false
	}

	s, ok := status.FromError(err)
	if !ok || s.Code() == codes.OK {
		return nil, false
	}

	return &DomainError{Code: s.Code(), Reason: s.Message()}, true
}
