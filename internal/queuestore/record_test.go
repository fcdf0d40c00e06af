package queuestore

import "testing"

func TestEntryRoundTripAndCorruption(t *testing.T) {
	in := Entry{ID: 9, Data: map[string]string{"first_name": "Ann"}, Timestamp: 1700000000000}
	b, err := EncodeEntry(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, ok := DecodeEntry(9, b)
	if !ok || out.ID != 9 || out.Timestamp != in.Timestamp || out.Data["first_name"] != "Ann" {
		t.Fatalf("decode mismatch: %+v ok=%v", out, ok)
	}
	b[len(b)-6] ^= 0xFF
	if _, ok := DecodeEntry(9, b); ok {
		t.Fatalf("expected crc failure")
	}
	if _, ok := DecodeEntry(9, b[:3]); ok {
		t.Fatalf("expected truncated failure")
	}
}

func TestKeyOrdering(t *testing.T) {
	a := KeyEntry(PendingPatients, 2)
	b := KeyEntry(PendingPatients, 256)
	if string(a) >= string(b) {
		t.Fatalf("expected big-endian ids to sort numerically")
	}
	if id, ok := idFromKey(b); !ok || id != 256 {
		t.Fatalf("idFromKey = %d %v", id, ok)
	}
}
