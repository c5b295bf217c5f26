package storage

import "encoding/binary"

// countSize is the width of an encoded counter value.
const countSize = 8

// EncodeCount encodes a counter value as 8 little-endian bytes.
func EncodeCount(count int64) []byte {
	buf := make([]byte, countSize)
	binary.LittleEndian.PutUint64(buf, uint64(count))
	return buf
}

// DecodeCount decodes a counter value written by EncodeCount. Legacy 4-byte
// values are accepted as well. Any other length decodes to 0 so that a corrupt
// entry behaves like a fresh window instead of failing the request.
func DecodeCount(b []byte) int64 {
	switch len(b) {
	case countSize:
		return int64(binary.LittleEndian.Uint64(b))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return 0
	}
}
