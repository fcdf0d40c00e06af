// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// the docsync worker with gRPC and HTTP servers, handling lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := serverrun.LoadConfig("docsync.yaml", ".env")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
