// Package transport provides the gRPC plumbing between the ingestion engine
// and the upstream node: dial options tuned for long-lived streams, auth
// metadata, and the mapping from status codes to retry behavior.
package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/stitchd/stitch/cfg"
)

// createDialOptions returns common gRPC dial options
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	useInsecure := false
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.Upstream.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.Upstream.KeepaliveTimeoutSeconds) * time.Second
		useInsecure = cfg.Config.Upstream.Insecure
	}

	creds := credentials.NewTLS(&tls.Config{})
	if useInsecure {
		creds = insecure.NewCredentials()
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(100*1024*1024), // 100MB
			grpc.MaxCallSendMsgSize(100*1024*1024),
		),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor()),
	}
}

// Dial connects to the upstream node at the given address. The connection
// is lazy; failures surface on the first RPC.
func Dial(address string) (*grpc.ClientConn, error) {
	log.Debug().Str("address", address).Msg("Dialing upstream node")

	conn, err := grpc.NewClient(address, createDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %s: %w", address, err)
	}
	return conn, nil
}

// DialUpstream connects using the configured upstream address.
func DialUpstream() (*grpc.ClientConn, error) {
	return Dial(cfg.Config.Upstream.Address)
}
