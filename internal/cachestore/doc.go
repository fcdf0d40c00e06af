// Package cachestore persists HTTP response snapshots in named generations.
//
// A generation is an independent namespace of request key to snapshot. The
// lifecycle manager seeds the current generation and deletes the others; the
// fetch interceptor reads and writes through it.
//
// Keys:
//   - cgen/{gen}             generation marker (JSON)
//   - c/{gen}/r/{requestKey} snapshot (JSON)
//
// A request key is "METHOD absoluteURL". Generation names must not contain '/'.
package cachestore
