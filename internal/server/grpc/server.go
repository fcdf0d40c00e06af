package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/docsync/internal/worker"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

// OriginService is the health service name that tracks origin reachability.
const OriginService = "docsync.origin"

const refreshInterval = 15 * time.Second

// Server owns the gRPC server instance and the worker it reports on.
type Server struct {
	w      *worker.Worker
	grpc   *grpc.Server
	health *health.Server
	logger logpkg.Logger
}

// New constructs a gRPC server and registers the health service.
func New(w *worker.Worker, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Server{
		w:      w,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger.With(logpkg.Component("grpc")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refresh(context.Background())
	return s
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// refresh recomputes both service statuses.
func (s *Server) refresh(ctx context.Context) {
	s.health.SetServingStatus("", servingStatus(s.w.CheckHealth(ctx) == nil))
	s.health.SetServingStatus(OriginService, servingStatus(s.w.Online()))
}

// watch keeps statuses current until ctx is done.
func (s *Server) watch(ctx context.Context) {
	transitions, cancel := s.w.Signal.Subscribe()
	defer cancel()
	t := time.NewTicker(refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			s.health.SetServingStatus(OriginService, servingStatus(tr.Online))
		case <-t.C:
			s.refresh(ctx)
		}
	}
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go s.watch(wctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server; GracefulStop also closes its listeners.
func (s *Server) Close() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
