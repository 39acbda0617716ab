package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/shuttlehq/shuttle-core/libs/grpcx"
)

// serveGRPC exposes grpc.health.v1 with a status that follows the store.
func serveGRPC(ctx context.Context, logger *slog.Logger, service, port string, ready func(context.Context) error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		return
	}
	srv := grpcx.NewServer(logger)
	go srv.WatchReadiness(ctx, service, 5*time.Second, ready)
	srv.Serve(ctx, lis)
}
