package queuestore

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
// header is the capture timestamp (BE8 epoch ms), payload the JSON form data.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeFrame(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeFrame(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if n+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return header, payload, true
}

// EncodeEntry serialises the immutable part of an entry. The id lives in the key.
func EncodeEntry(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	return encodeFrame(ts[:], payload), nil
}

// DecodeEntry reverses EncodeEntry. ok is false for truncated or corrupt records.
func DecodeEntry(id uint64, b []byte) (Entry, bool) {
	header, payload, ok := decodeFrame(b)
	if !ok || len(header) != 8 {
		return Entry{}, false
	}
	data := map[string]string{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return Entry{}, false
	}
	return Entry{
		ID:        id,
		Data:      data,
		Timestamp: int64(binary.BigEndian.Uint64(header)),
	}, true
}
