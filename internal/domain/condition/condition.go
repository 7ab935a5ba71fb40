// Package condition encodes PREIMAGE-SHA-256 crypto-conditions in the binary
// form the XRP Ledger expects for EscrowCreate.Condition and
// EscrowFinish.Fulfillment.
package condition

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ASN.1 tags for the preimage-sha-256 type (type id 0).
const (
	tagPreimageType = 0xA0 // [0] constructed
	tagFingerprint  = 0x80 // [0] primitive
	tagCost         = 0x81 // [1] primitive
	tagPreimage     = 0x80 // [0] primitive
)

// ErrMalformed is returned when bytes are not a valid preimage-sha-256 encoding.
var ErrMalformed = errors.New("malformed crypto-condition")

// Condition is the public commitment: the SHA-256 digest of the preimage and
// the preimage length as cost.
type Condition struct {
	Fingerprint [sha256.Size]byte
	Cost        uint32
}

// FromPreimage derives the condition committed to by preimage.
func FromPreimage(preimage []byte) Condition {
	return Condition{
		Fingerprint: sha256.Sum256(preimage),
		Cost:        uint32(len(preimage)),
	}
}

// Bytes returns the DER encoding of the condition.
func (c Condition) Bytes() []byte {
	cost := encodeUint(c.Cost)

	body := make([]byte, 0, 2+sha256.Size+2+len(cost))
	body = append(body, tagFingerprint, sha256.Size)
	body = append(body, c.Fingerprint[:]...)
	body = append(body, tagCost)
	body = appendLength(body, len(cost))
	body = append(body, cost...)

	out := []byte{tagPreimageType}
	out = appendLength(out, len(body))
	return append(out, body...)
}

// Hex returns the uppercase hex encoding used in ledger transactions.
func (c Condition) Hex() string {
	return strings.ToUpper(hex.EncodeToString(c.Bytes()))
}

// Equal reports whether two conditions commit to the same preimage.
func (c Condition) Equal(o Condition) bool {
	return c.Cost == o.Cost && subtle.ConstantTimeCompare(c.Fingerprint[:], o.Fingerprint[:]) == 1
}

// ParseCondition decodes a DER condition.
func ParseCondition(b []byte) (Condition, error) {
	body, err := readTLV(b, tagPreimageType)
	if err != nil {
		return Condition{}, err
	}

	fp, rest, err := readField(body, tagFingerprint)
	if err != nil {
		return Condition{}, err
	}
	if len(fp) != sha256.Size {
		return Condition{}, fmt.Errorf("%w: fingerprint is %d bytes", ErrMalformed, len(fp))
	}

	costBytes, rest, err := readField(rest, tagCost)
	if err != nil {
		return Condition{}, err
	}
	if len(rest) != 0 {
		return Condition{}, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	cost, err := decodeUint(costBytes)
	if err != nil {
		return Condition{}, err
	}

	var c Condition
	copy(c.Fingerprint[:], fp)
	c.Cost = cost
	return c, nil
}

// ParseConditionHex decodes a hex condition in either case.
func ParseConditionHex(s string) (Condition, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ParseCondition(b)
}

// Fulfillment holds the secret preimage. Call Wipe once it is no longer needed.
type Fulfillment struct {
	preimage []byte
}

// NewFulfillment wraps a copy of preimage.
func NewFulfillment(preimage []byte) Fulfillment {
	return Fulfillment{preimage: append([]byte(nil), preimage...)}
}

// Preimage returns the underlying secret. The slice is shared with f.
func (f Fulfillment) Preimage() []byte {
	return f.preimage
}

// Condition derives the condition this fulfillment satisfies.
func (f Fulfillment) Condition() Condition {
	return FromPreimage(f.preimage)
}

// Bytes returns the DER encoding of the fulfillment.
func (f Fulfillment) Bytes() []byte {
	body := []byte{tagPreimage}
	body = appendLength(body, len(f.preimage))
	body = append(body, f.preimage...)

	out := []byte{tagPreimageType}
	out = appendLength(out, len(body))
	return append(out, body...)
}

// Hex returns the uppercase hex encoding used in ledger transactions.
func (f Fulfillment) Hex() string {
	return strings.ToUpper(hex.EncodeToString(f.Bytes()))
}

// Wipe zeroes the preimage in place.
func (f Fulfillment) Wipe() {
	clear(f.preimage)
}

// String never reveals the preimage.
func (f Fulfillment) String() string {
	return "Fulfillment(redacted)"
}

// ParseFulfillment decodes a DER fulfillment.
func ParseFulfillment(b []byte) (Fulfillment, error) {
	body, err := readTLV(b, tagPreimageType)
	if err != nil {
		return Fulfillment{}, err
	}
	preimage, rest, err := readField(body, tagPreimage)
	if err != nil {
		return Fulfillment{}, err
	}
	if len(rest) != 0 {
		return Fulfillment{}, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return NewFulfillment(preimage), nil
}

// Verify reports whether f satisfies c.
func Verify(c Condition, f Fulfillment) bool {
	return c.Equal(f.Condition())
}

// readTLV reads a single value with the given tag that must span all of b.
func readTLV(b []byte, tag byte) ([]byte, error) {
	v, rest, err := readField(b, tag)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return v, nil
}

// readField reads one tag-length-value and returns its value and the remainder.
func readField(b []byte, tag byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	if b[0] != tag {
		return nil, nil, fmt.Errorf("%w: unexpected tag 0x%02X", ErrMalformed, b[0])
	}
	n, hdr, err := readLength(b[1:])
	if err != nil {
		return nil, nil, err
	}
	start := 1 + hdr
	if n > len(b)-start {
		return nil, nil, fmt.Errorf("%w: length %d exceeds input", ErrMalformed, n)
	}
	return b[start : start+n], b[start+n:], nil
}

// readLength decodes a DER definite length and reports how many bytes it used.
func readLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: missing length", ErrMalformed)
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, nil
	}
	octets := int(b[0] & 0x7F)
	if octets == 0 || octets > 4 || len(b) < 1+octets {
		return 0, 0, fmt.Errorf("%w: bad length", ErrMalformed)
	}
	n := 0
	for _, o := range b[1 : 1+octets] {
		n = n<<8 | int(o)
	}
	if n < 0x80 || (octets > 1 && b[1] == 0) {
		return 0, 0, fmt.Errorf("%w: non-minimal length", ErrMalformed)
	}
	return n, 1 + octets, nil
}

func appendLength(b []byte, n int) []byte {
	if n < 0x80 {
		return append(b, byte(n))
	}
	var tmp []byte
	for v := n; v > 0; v >>= 8 {
		tmp = append([]byte{byte(v)}, tmp...)
	}
	b = append(b, 0x80|byte(len(tmp)))
	return append(b, tmp...)
}

// encodeUint encodes v as a minimal DER INTEGER body.
func encodeUint(v uint32) []byte {
	var out []byte
	for x := v; x > 0; x >>= 8 {
		out = append([]byte{byte(x)}, out...)
	}
	if len(out) == 0 {
		return []byte{0}
	}
	if out[0]&0x80 != 0 {
		out = append([]byte{0}, out...)
	}
	return out
}

func decodeUint(b []byte) (uint32, error) {
	if len(b) == 0 || len(b) > 5 || (len(b) == 5 && b[0] != 0) {
		return 0, fmt.Errorf("%w: bad cost", ErrMalformed)
	}
	if b[0]&0x80 != 0 {
		return 0, fmt.Errorf("%w: negative cost", ErrMalformed)
	}
	var v uint32
	for _, o := range b {
		v = v<<8 | uint32(o)
	}
	return v, nil
}
