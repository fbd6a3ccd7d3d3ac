package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Entry is one logged write. The series is stored by canonical name so
// that replay can rebuild the id registry regardless of assignment
// order in the previous process.
type Entry struct {
	Series    string
	Timestamp uint64
	Value     float64
	Tuple     []float64 // nil for scalar samples
}

// encodeEntries serializes a batch of entries into a record payload.
//
// Payload format (little endian):
//
//	u32 count
//	per entry: u16 name length, name bytes, u64 timestamp,
//	           u16 tuple length (0 = scalar), f64 value or tuple values
func encodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer

	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(entries)))
	buf.Write(scratch[:4])

	for i := range entries {
		e := &entries[i]
		if len(e.Series) > math.MaxUint16 {
			return nil, fmt.Errorf("series name too long: %d bytes", len(e.Series))
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.Series)))
		buf.Write(scratch[:2])
		buf.WriteString(e.Series)

		binary.LittleEndian.PutUint64(scratch[:8], e.Timestamp)
		buf.Write(scratch[:8])

		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.Tuple)))
		buf.Write(scratch[:2])

		if len(e.Tuple) == 0 {
			binary.LittleEndian.PutUint64(scratch[:8], math.Float64bits(e.Value))
			buf.Write(scratch[:8])
		} else {
			for _, v := range e.Tuple {
				binary.LittleEndian.PutUint64(scratch[:8], math.Float64bits(v))
				buf.Write(scratch[:8])
			}
		}
	}

	return buf.Bytes(), nil
}

// decodeEntries deserializes a record payload.
func decodeEntries(payload []byte) ([]Entry, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("short record: %d bytes", len(payload))
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	pos := 4

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload)-pos < 2 {
			return nil, fmt.Errorf("truncated entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(payload[pos:]))
		pos += 2
		if len(payload)-pos < nameLen+10 {
			return nil, fmt.Errorf("truncated entry %d", i)
		}
		name := string(payload[pos : pos+nameLen])
		pos += nameLen

		ts := binary.LittleEndian.Uint64(payload[pos:])
		pos += 8
		tupleLen := int(binary.LittleEndian.Uint16(payload[pos:]))
		pos += 2

		e := Entry{Series: name, Timestamp: ts}
		if tupleLen == 0 {
			if len(payload)-pos < 8 {
				return nil, fmt.Errorf("truncated entry %d", i)
			}
			e.Value = math.Float64frombits(binary.LittleEndian.Uint64(payload[pos:]))
			pos += 8
		} else {
			if len(payload)-pos < 8*tupleLen {
				return nil, fmt.Errorf("truncated entry %d", i)
			}
			e.Tuple = make([]float64, tupleLen)
			for j := 0; j < tupleLen; j++ {
				e.Tuple[j] = math.Float64frombits(binary.LittleEndian.Uint64(payload[pos:]))
				pos += 8
			}
		}
		entries = append(entries, e)
	}

	return entries, nil
}
