// Package id generates sortable 128-bit identifiers.
//
// An ID is [8 bytes ms timestamp][8 bytes sequence], big-endian, so byte and
// hex order match creation order within a process. docsync uses them for
// notification ids, which appear in click-through URLs:
//
//	g := id.NewGenerator()
//	n := g.Next()
//	s := n.String()          // 32 hex chars
//	back, _ := id.Parse(s)   // back == n
package id
