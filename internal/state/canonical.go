package state

import "github.com/ethereum/go-ethereum/common"

// Helpers for the deterministic byte encodings fed into the state hash.

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return appendInt64LE(buf, int64(v))
}

// length-prefixed (uint16 LE) string
func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)), byte(len(s)>>8))
	return append(buf, s...)
}

func appendAddress(buf []byte, a common.Address) []byte {
	return append(buf, a.Bytes()...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}
