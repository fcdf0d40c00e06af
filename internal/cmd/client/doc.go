// Package client provides the `docsync` operator commands.
//
// The commands talk to a running docsync server: the admin HTTP API under
// /__docsync for queues, sync, connectivity and notifications, and the
// grpc.health.v1 service for health checks.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 (DOCSYNC_HTTP). The gRPC address is read
// from the DOCSYNC_GRPC environment variable (default 127.0.0.1:9090).
//
// Usage
//
//	docsync queue list
//	docsync queue show pending-patients
//	docsync queue clear pending-patients --confirm
//
//	# Replay every queue, or only the one bound to a tag
//	docsync sync
//	docsync sync --tag sync-patients
//
//	# Inspect or force the connectivity signal
//	docsync connectivity
//	docsync connectivity offline
//
//	docsync push --data '{"title":"New record","body":"Patient added","url":"/patients/"}'
//	docsync notifications list
//	docsync notifications click 0000019a1f2b3c4d0000000000000001
//
//	docsync health
//	docsync health --service docsync.origin
package client
