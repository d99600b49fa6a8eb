// Package condition builds PREIMAGE-SHA-256 crypto-conditions as used by
// conditional escrows on the XRP Ledger.
package condition

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// PreimageSize is the number of random bytes behind every fulfillment.
const PreimageSize = 32

var (
	ErrMalformedFulfillment = errors.New("condition: malformed fulfillment")
	ErrMismatch             = errors.New("condition: fulfillment does not match condition")
)

// preimage-sha-256 is type 0 in the crypto-conditions registry.
var preimageTag = asn1.Tag(0).Constructed().ContextSpecific()

// Pair holds a condition and the fulfillment that unlocks it, both as
// uppercase hex.
type Pair struct {
	Condition   string
	Fulfillment string
}

// Generate draws a fresh preimage from crypto/rand.
func Generate() (Pair, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (Pair, error) {
	preimage := make([]byte, PreimageSize)
	if _, err := io.ReadFull(r, preimage); err != nil {
		return Pair{}, fmt.Errorf("condition: read entropy: %w", err)
	}
	return FromPreimage(preimage)
}

// FromPreimage builds the pair for a known preimage.
func FromPreimage(preimage []byte) (Pair, error) {
	fulfillment, err := encodeFulfillment(preimage)
	if err != nil {
		return Pair{}, err
	}
	cond, err := encodeCondition(preimage)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		Condition:   strings.ToUpper(hex.EncodeToString(cond)),
		Fulfillment: strings.ToUpper(hex.EncodeToString(fulfillment)),
	}, nil
}

// Verify checks that fulfillment unlocks condition.
func Verify(conditionHex, fulfillmentHex string) error {
	expected, err := ConditionOf(fulfillmentHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(expected, conditionHex) {
		return ErrMismatch
	}
	return nil
}

// ConditionOf derives the condition committed to by a fulfillment.
func ConditionOf(fulfillmentHex string) (string, error) {
	raw, err := hex.DecodeString(fulfillmentHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFulfillment, err)
	}
	preimage, err := decodeFulfillment(raw)
	if err != nil {
		return "", err
	}
	cond, err := encodeCondition(preimage)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(cond)), nil
}

func encodeFulfillment(preimage []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(preimageTag, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(preimage)
		})
	})
	return b.Bytes()
}

func encodeCondition(preimage []byte) ([]byte, error) {
	fingerprint := sha256.Sum256(preimage)
	var b cryptobyte.Builder
	b.AddASN1(preimageTag, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(fingerprint[:])
		})
		b.AddASN1(asn1.Tag(1).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(encodeCost(uint64(len(preimage))))
		})
	})
	return b.Bytes()
}

// encodeCost returns the minimal big-endian DER integer body for cost.
func encodeCost(cost uint64) []byte {
	if cost == 0 {
		return []byte{0}
	}
	var out []byte
	for cost > 0 {
		out = append([]byte{byte(cost)}, out...)
		cost >>= 8
	}
	if out[0]&0x80 != 0 {
		out = append([]byte{0}, out...)
	}
	return out
}

func decodeFulfillment(raw []byte) ([]byte, error) {
	input := cryptobyte.String(raw)
	var body, preimage cryptobyte.String
	if !input.ReadASN1(&body, preimageTag) || !input.Empty() {
		return nil, ErrMalformedFulfillment
	}
	if !body.ReadASN1(&preimage, asn1.Tag(0).ContextSpecific()) || !body.Empty() {
		return nil, ErrMalformedFulfillment
	}
	return []byte(preimage), nil
}
