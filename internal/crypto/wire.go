package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ByteVector is a []byte that marshals to and from JSON as an array of
// numbers (e.g. [18,52,...]) rather than the standard library's base64
// string encoding. Clients encrypt entirely on their own side and expect
// fingerprint, iv, and encryptedData on the wire as plain byte arrays;
// content.data is the one field that keeps Go's default base64 encoding.
type ByteVector []byte

// MarshalJSON encodes the vector as a JSON array of byte values. An empty or
// nil vector encodes as "[]", never "null", so clients don't need a nil check.
func (v ByteVector) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON array of numbers (each required to fit in a
// byte) into the vector. Rejects anything else, including base64 strings,
// so a client that sends the wrong wire shape fails fast instead of silently
// producing garbage bytes.
func (v *ByteVector) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("byte vector must be a JSON array of numbers: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte vector element %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*v = out
	return nil
}
