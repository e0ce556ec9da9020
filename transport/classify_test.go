package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchd/stitch/retry"
)

func TestClassify_TransientCodes(t *testing.T) {
	for _, code := range []codes.Code{
		codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.Internal,
	} {
		err := status.Error(code, "node restarting")
		require.Equal(t, retry.Transient, Classify(err), "code %s", code)
	}
}

func TestClassify_Cancellation(t *testing.T) {
	require.Equal(t, retry.UserCancelled, Classify(context.Canceled))
	require.Equal(t, retry.UserCancelled, Classify(status.Error(codes.Canceled, "context canceled")))
	require.Equal(t, retry.UserCancelled,
		Classify(fmt.Errorf("stream recv: %w", context.Canceled)))
}

func TestClassify_FatalCodes(t *testing.T) {
	for _, code := range []codes.Code{
		codes.InvalidArgument,
		codes.NotFound,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.Unimplemented,
	} {
		err := status.Error(code, "rejected")
		require.Equal(t, retry.Fatal, Classify(err), "code %s", code)
	}
}

func TestClassify_UnknownCodeInspectsMessage(t *testing.T) {
	// Some nodes fold application errors into codes.Unknown
	fatal := status.Error(codes.Unknown, "verification failed: permission denied")
	require.Equal(t, retry.Fatal, Classify(fatal))

	transient := status.Error(codes.Unknown, "transport is closing")
	require.Equal(t, retry.Transient, Classify(transient))
}

func TestClassify_PlainErrorIsTransient(t *testing.T) {
	require.Equal(t, retry.Transient, Classify(errors.New("connection reset by peer")))
}

func TestExtractDomainError(t *testing.T) {
	err := status.Error(codes.FailedPrecondition, "channel not found")

	domainErr, ok := ExtractDomainError(err)
	require.True(t, ok)
	require.Equal(t, codes.FailedPrecondition, domainErr.Code)
	require.Equal(t, "channel not found", domainErr.Reason)
	require.Contains(t, domainErr.Error(), "channel not found")

	_, ok = ExtractDomainError(nil)
	require.False(t, ok)
}
