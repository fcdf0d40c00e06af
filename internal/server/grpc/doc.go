// Package grpcserver exposes the standard grpc.health.v1 service.
//
// Two services are reported: "" (the process and its store) and
// "docsync.origin" (whether the records backend is reachable). Origin status
// follows connectivity transitions as they happen.
//
// Example:
//
//	s := grpcserver.New(w, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
