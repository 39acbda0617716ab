package grpcx

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ClientOptions configures Connect. A nil Credentials means plaintext.
type ClientOptions struct {
	ConnectTimeout time.Duration
	Credentials    grpc.DialOption
}

// Connect creates a traced client for target and waits until the channel
// reaches READY or the connect timeout expires.
func Connect(ctx context.Context, target string, opts ClientOptions, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	creds := opts.Credentials
	if creds == nil {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	dialOpts := append([]grpc.DialOption{
		creds,
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(unaryClientRequestID()),
	}, extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(wctx, state) {
			_ = conn.Close()
			return nil, fmt.Errorf("connect %s: last state %s: %w", target, state, wctx.Err())
		}
	}
}

// CheckHealth asks the standard health service whether service is SERVING.
// An empty service checks the server as a whole.
func CheckHealth(ctx context.Context, conn *grpc.ClientConn, service string) error {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", service, st)
	}
	return nil
}
