// Package worker wires storage, config and the offline components into a
// single docsync instance, and runs its event loop.
//
// Lifecycle, sync and push work arrive as events; each event is handled on
// its own goroutine so a slow pass never blocks a push or an install. Fetches
// do not go through the loop: Handler serves them directly.
//
// Example:
//
//	cfg := config.Default()
//	w, _ := worker.Open(worker.Options{Config: cfg, Logger: logger})
//	defer w.Close()
//	_ = w.Start(ctx)    // install, then activate
//	go w.Run(ctx)
//	http.ListenAndServe(":8080", w.Handler())
package worker
