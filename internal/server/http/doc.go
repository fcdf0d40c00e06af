// Package httpserver is docsync's HTTP front door.
//
// Requests under /__docsync/ are admin endpoints (health, queues, sync,
// connectivity, push, lifecycle). Everything else goes to the worker's
// handler: offline form capture, then the cache-first interceptor.
//
// Example:
//
//	w, _ := worker.Open(worker.Options{Config: cfg, Logger: logger})
//	s := httpserver.New(w, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
