// Package fetch serves origin requests cache-first.
//
// For GET and HEAD the current cache generation is consulted first and a hit
// is returned without touching the network. On a miss the request goes to the
// origin; a 200 same-origin response that passes the cache rule is written
// back to the cache in the background. When the origin cannot be reached,
// navigation requests get the cached offline page and everything else fails.
//
// The optional cache rule is a CEL expression over:
//
//	method, path, query, content_type  string
//	status                             int
//	headers                            map(string, string)
//
// e.g. `!path.startsWith("/api/") && content_type != "application/json"`.
package fetch
