package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a sortable identifier: [8 bytes ms][8 bytes sequence].
type ID [16]byte

// Zero is the unset ID.
var Zero ID

var ErrInvalid = errors.New("id: invalid identifier")

// String returns the lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the creation millisecond.
func (i ID) Time() time.Time { return time.UnixMilli(int64(binary.BigEndian.Uint64(i[:8]))) }

// Compare orders ids byte-wise.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// MarshalText encodes the id as hex, so ids serialise as JSON strings.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText parses the hex form.
func (i *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Parse reads the 32-character hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != hex.EncodedLen(len(out)) {
		return Zero, ErrInvalid
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return Zero, ErrInvalid
	}
	return out, nil
}

// NowMs is the generator clock; tests replace it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator hands out strictly increasing ids.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

func NewGenerator() *Generator { return &Generator{} }

// Next returns the next id. A clock that moves backwards is pinned to the last
// millisecond seen; an exhausted sequence waits for the next millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	switch {
	case ms > g.lastMs:
		g.sequence = 0
	case g.sequence == math.MaxUint64:
		for ms <= g.lastMs {
			time.Sleep(time.Millisecond / 8)
			ms = NowMs()
		}
		g.sequence = 0
	default:
		g.sequence++
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:], g.sequence)
	return out
}
