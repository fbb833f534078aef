package replication

import (
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/cacheforge/cacheforge/internal/value"
)

// encodeValue serializes a Set mutation's Value into the bytes carried on
// an Event, reusing the same tag+payload shape snapshot.go uses on disk
// (see SPEC_FULL.md's note that replication and snapshot share a value
// encoding but not a framing format). encodeValue never aliases v's
// internal slices — it is always safe to hold onto the returned bytes
// after v goes out of scope.
func encodeValue(v value.Value) []byte {
	var tag byte
	var payload []byte

	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		tag = 0
		payload = []byte(s)
	case value.KindInteger:
		n, _ := v.AsInteger()
		tag = 1
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(n))
	case value.KindList:
		items, _ := v.AsList()
		tag = 2
		for _, it := range items {
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(it)))
			payload = append(payload, lenBuf...)
			payload = append(payload, it...)
		}
	case value.KindBinary:
		b, _ := v.AsBinary()
		tag = 3
		payload = b
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, tag)
	out = append(out, payload...)
	return out
}

// compressBatch frames a batch of events as:
//
//	<count:u32> { <kind:u8> <seq:u64> <key_len:u32> <key> <val_len:u32> <val> }...
//
// then snappy-compresses the whole frame. Compression is applied to the
// replication wire format only — spec.md §4.6's on-disk snapshot format is
// deliberately left uncompressed so its record layout matches the spec's
// byte-for-byte description exactly.
func compressBatch(batch []Event) []byte {
	var buf []byte
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(batch)))
	buf = append(buf, count...)

	for _, ev := range batch {
		buf = append(buf, byte(ev.Kind))

		seq := make([]byte, 8)
		binary.LittleEndian.PutUint64(seq, ev.Seq)
		buf = append(buf, seq...)

		keyLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(keyLen, uint32(len(ev.Key)))
		buf = append(buf, keyLen...)
		buf = append(buf, ev.Key...)

		valLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(valLen, uint32(len(ev.Value)))
		buf = append(buf, valLen...)
		buf = append(buf, ev.Value...)
	}

	return snappy.Encode(nil, buf)
}

// decompressBatch reverses compressBatch; used by Transport implementations
// and tests that want to verify what was actually sent on the wire.
func decompressBatch(payload []byte) ([]Event, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, err
	}

	off := 0
	count := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	events := make([]Event, 0, count)
	for i := uint32(0); i < count; i++ {
		kind := EventKind(raw[off])
		off++
		seq := binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
		keyLen := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		off += 4
		key := string(raw[off : off+keyLen])
		off += keyLen
		valLen := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		off += 4
		val := append([]byte(nil), raw[off:off+valLen]...)
		off += valLen

		events = append(events, Event{Kind: kind, Key: key, Value: val, Seq: seq})
	}
	return events, nil
}
