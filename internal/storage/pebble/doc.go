// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// batches, prefix scans and minimal metrics hooks. It is the single
// embedded engine under the queue store, the cache store and the sync-tag
// registry.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data/store",
//	    Fsync:   pebblestore.FsyncModeAlways,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	_ = db.Set([]byte("q/pending-patients/m"), meta)
//	_ = db.ScanPrefix([]byte("q/pending-patients/e/"), func(k, v []byte) bool {
//	    return true
//	})
//	_ = db.DeletePrefix(ctx, []byte("c/docsdash-cache-v0/"))
package pebblestore
