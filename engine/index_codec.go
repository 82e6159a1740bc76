package engine

import "encoding/binary"

// Index row keys are value||segment: the value bytes followed by a fixed
// 4-byte big-endian segment number. Comparing keys byte-wise therefore
// orders first by value, then by segment, and the fixed-width suffix lets
// the segment be split back out unambiguously regardless of what the
// value bytes look like.
const indexKeySegWidth = 4

func encodeIndexKey(value []byte, segNum uint32) []byte {
	key := make([]byte, len(value)+indexKeySegWidth)
	copy(key, value)
	binary.BigEndian.PutUint32(key[len(value):], segNum)
	return key
}

func decodeIndexKey(key []byte) (value []byte, segNum uint32) {
	split := len(key) - indexKeySegWidth
	value = append([]byte(nil), key[:split]...)
	segNum = binary.BigEndian.Uint32(key[split:])
	return value, segNum
}

// Index row values are a 1-byte form tag followed by a form-specific
// payload: Int carries a 2-byte local offset; List carries a 2-byte count
// plus a 4-byte page-id; Bits carries a 3-byte count plus a 4-byte
// page-id.
func encodeIndexRow(form Form, count uint32, ref uint64) []byte {
	switch form {
	case FormInt:
		buf := make([]byte, 3)
		buf[0] = byte(FormInt)
		binary.BigEndian.PutUint16(buf[1:3], uint16(ref))
		return buf
	case FormList:
		buf := make([]byte, 7)
		buf[0] = byte(FormList)
		binary.BigEndian.PutUint16(buf[1:3], uint16(count))
		binary.BigEndian.PutUint32(buf[3:7], uint32(ref))
		return buf
	default: // FormBits
		buf := make([]byte, 8)
		buf[0] = byte(FormBits)
		buf[1] = byte(count >> 16)
		binary.BigEndian.PutUint16(buf[2:4], uint16(count))
		binary.BigEndian.PutUint32(buf[4:8], uint32(ref))
		return buf
	}
}

func decodeIndexRow(raw []byte) (form Form, count uint32, ref uint64, err error) {
	if len(raw) == 0 {
		return 0, 0, 0, &CorruptSegmentError{Len: len(raw)}
	}
	form = Form(raw[0])
	body := raw[1:]
	switch form {
	case FormInt:
		if len(body) != 2 {
			return 0, 0, 0, &CorruptSegmentError{Len: len(raw)}
		}
		return FormInt, 1, uint64(binary.BigEndian.Uint16(body)), nil
	case FormList:
		if len(body) != 6 {
			return 0, 0, 0, &CorruptSegmentError{Len: len(raw)}
		}
		count = uint32(binary.BigEndian.Uint16(body[:2]))
		ref = uint64(binary.BigEndian.Uint32(body[2:6]))
		return FormList, count, ref, nil
	case FormBits:
		if len(body) != 7 {
			return 0, 0, 0, &CorruptSegmentError{Len: len(raw)}
		}
		count = uint32(body[0])<<16 | uint32(binary.BigEndian.Uint16(body[1:3]))
		ref = uint64(binary.BigEndian.Uint32(body[3:7]))
		return FormBits, count, ref, nil
	default:
		return 0, 0, 0, &CorruptSegmentError{Len: len(raw)}
	}
}
