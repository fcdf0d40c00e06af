package queuestore

import (
	"encoding/json"
	"time"

	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
)

// Meta is the registry record kept for each queue.
type Meta struct {
	Name        Name  `json:"name"`
	CreatedAtMs int64 `json:"createdAtMs"`
}

// ensureRegistered writes the registry record if absent and returns the effective one.
func ensureRegistered(db *pebblestore.DB, name Name) (Meta, error) {
	key := keyRegistry(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// corrupted: rewrite below
	}
	m := Meta{Name: name, CreatedAtMs: time.Now().UnixMilli()}
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, b); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Registered lists every queue that was ever registered in db, including queues
// dropped from configuration since. Operators use it to find stranded entries.
func Registered(db *pebblestore.DB) ([]Meta, error) {
	var out []Meta
	err := db.ScanPrefix(registryPfx, func(_, v []byte) bool {
		var m Meta
		if json.Unmarshal(v, &m) == nil {
			out = append(out, m)
		}
		return true
	})
	return out, err
}
