package queuestore

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - q/{queue}/m            last assigned id (BE8)
// - q/{queue}/e/{id_be8}   entries
// - qmeta/{queue}          registry record (JSON)

var (
	queuePrefix = []byte("q/")
	metaSuffix  = []byte("/m")
	entrySeg    = []byte("/e/")
	registryPfx = []byte("qmeta/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyQueueMeta builds the key holding the last assigned id of a queue.
func KeyQueueMeta(queue Name) []byte {
	k := make([]byte, 0, len(queuePrefix)+len(queue)+len(metaSuffix))
	k = append(k, queuePrefix...)
	k = append(k, queue...)
	k = append(k, metaSuffix...)
	return k
}

// KeyEntryPrefix is the scan prefix for all entries of a queue.
func KeyEntryPrefix(queue Name) []byte {
	k := make([]byte, 0, len(queuePrefix)+len(queue)+len(entrySeg))
	k = append(k, queuePrefix...)
	k = append(k, queue...)
	k = append(k, entrySeg...)
	return k
}

// KeyEntry builds the entry key with a big-endian id for FIFO ordering.
func KeyEntry(queue Name, id uint64) []byte {
	k := KeyEntryPrefix(queue)
	return appendBE8(k, id)
}

// idFromKey extracts the trailing BE8 id from an entry key.
func idFromKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

func keyRegistry(queue Name) []byte {
	k := make([]byte, 0, len(registryPfx)+len(queue))
	k = append(k, registryPfx...)
	k = append(k, queue...)
	return k
}
