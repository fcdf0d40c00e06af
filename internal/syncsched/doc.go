// Package syncsched keeps deferred-sync registrations and retries them.
//
// A registered tag is persisted so it survives restarts. While the origin is
// reachable each due tag is handed to the reconciler; the tag is cleared once a
// pass leaves its queue empty and no new registration arrived meanwhile.
// Otherwise it is retried with exponential backoff. Restored connectivity
// registers every tag and resets all backoff.
package syncsched
