package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/stitchd/stitch/cfg"
)

const (
	// AuthTokenHeader is the metadata key for the upstream auth token
	AuthTokenHeader = "x-stitch-auth-token"
)

// UnaryClientInterceptor returns a client interceptor that adds the auth token
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = appendAuthToken(ctx)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor returns a client interceptor for streaming RPCs
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = appendAuthToken(ctx)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// appendAuthToken adds the upstream auth token to outgoing context
func appendAuthToken(ctx context.Context) context.Context {
	if cfg.Config == nil || cfg.Config.Upstream.AuthToken == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, cfg.Config.Upstream.AuthToken)
}
