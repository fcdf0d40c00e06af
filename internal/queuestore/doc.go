// Package queuestore implements the durable queues that hold form submissions
// captured while the origin is unreachable.
//
// # Overview
//
// Each queue is a FIFO of immutable entries persisted in Pebble. Ids are
// assigned per queue, start at 1, only grow, and survive restarts because the
// last id is written in the same batch as the entry:
//   - q/{queue}/m           last id (BE8)
//   - q/{queue}/e/{id_be8}  entry record
//   - qmeta/{queue}         registry record
//
// Records are stored as: varint headerLen | ts_be8 | json(data) | crc32c.
//
// The queue set is fixed when the store is opened; operations on any other
// name fail with ErrUnknownQueue.
//
//	s, _ := queuestore.Open(db, queuestore.DefaultNames(), logger)
//	e, _ := s.Add(ctx, queuestore.PendingPatients, map[string]string{"first_name": "Ann"})
//	all, _ := s.GetAll(ctx, queuestore.PendingPatients) // oldest first
//	_ = s.Delete(ctx, queuestore.PendingPatients, e.ID)
package queuestore
