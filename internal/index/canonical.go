package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canonical encodes a field value into the posting-list key component
// described in spec §4.4: "canonical(value) lowercases strings and uses
// a fixed-width lexicographic encoding for numerics so prefix/range
// operations can be added later without format break." This is part of
// the WAL/replication wire contract (spec §9, Open Question) and must
// not change shape without a version bump.
//
// Encoding:
//   - string:  lowercased, used verbatim.
//   - bool:    "0" or "1".
//   - integer: "i" plus 16 hex digits, the big-endian offset-binary form
//     of a signed 64-bit value (value + 2^63), so byte/lexicographic
//     order matches numeric order across negative and positive values.
//     A float64 with no fractional part is encoded as an integer.
//   - float:   "f" plus 16 hex digits of the IEEE-754 bit pattern,
//     sign-flipped so ordering is preserved (standard float-to-sortable-
//     bits trick).
func Canonical(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return strings.ToLower(v), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return encodeInt(int64(v)), nil
	case int64:
		return encodeInt(v), nil
	case float64:
		if v == float64(int64(v)) {
			return encodeInt(int64(v)), nil
		}
		return encodeFloat(v), nil
	default:
		return "", fmt.Errorf("index: value of type %T is not a hashable scalar", value)
	}
}

func encodeInt(v int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return "i" + hexEncode(buf[:])
}

func encodeFloat(v float64) string {
	bits := floatBits(v)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return "f" + hexEncode(buf[:])
}

// floatBits maps a float64 to a uint64 whose unsigned ordering matches
// the float's ordering (flip the sign bit for positives, invert
// everything for negatives).
func floatBits(v float64) uint64 {
	bits := math.Float64bits(v)
	if bits>>63 == 1 {
		return ^bits
	}
	return bits | (1 << 63)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0xf]
	}
	return string(out)
}

// CanonicalFromString interprets a raw property value already coerced
// to one of Go's JSON-decoded types (string, bool, float64) for schemas
// whose indexed field is declared integer but arrives as a JSON number.
func CanonicalFromString(typeHint string, raw string) (string, error) {
	switch typeHint {
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", err
		}
		return encodeInt(n), nil
	default:
		return strings.ToLower(raw), nil
	}
}
