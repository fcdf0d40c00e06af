// Package reconcile replays queued submissions against the origin.
//
// A pass reads a snapshot of one queue, POSTs each entry's data as JSON in id
// order and deletes the entries the origin accepted with a 2xx. A failed entry
// stays queued and does not stop the pass. Delivery is at least once: an entry
// accepted by the origin whose delete then fails is posted again next pass.
//
// Only one pass per queue runs at a time. Triggers that arrive while a pass is
// running share a single follow-up pass.
package reconcile
