// Package xrpl holds the XRP Ledger encodings the escrow service needs:
// base58 addresses and family seeds, secp256k1 key derivation, drops and
// ripple-epoch time.
package xrpl

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const (
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	accountIDVersion byte = 0x00
	seedVersion      byte = 0x21

	AccountIDSize = 20
	SeedSize      = 16
)

var (
	ErrInvalidAddress = errors.New("xrpl: invalid address")
	ErrInvalidSeed    = errors.New("xrpl: invalid seed")
)

var toRipple, toBitcoin [256]byte

func init() {
	// Characters outside the alphabet map to '0', which neither alphabet
	// contains, so decoding fails instead of silently changing value.
	for i := range toRipple {
		toRipple[i] = '0'
		toBitcoin[i] = '0'
	}
	for i := 0; i < len(rippleAlphabet); i++ {
		toRipple[bitcoinAlphabet[i]] = rippleAlphabet[i]
		toBitcoin[rippleAlphabet[i]] = bitcoinAlphabet[i]
	}
}

func translate(s string, table *[256]byte) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = table[s[i]]
	}
	return string(out)
}

func checkEncode(payload []byte, version byte) string {
	return translate(base58.CheckEncode(payload, version), &toRipple)
}

func checkDecode(s string) ([]byte, byte, error) {
	return base58.CheckDecode(translate(s, &toBitcoin))
}

// EncodeAccountID renders a 20-byte account ID as a classic address.
func EncodeAccountID(id []byte) (string, error) {
	if len(id) != AccountIDSize {
		return "", fmt.Errorf("%w: account id must be %d bytes", ErrInvalidAddress, AccountIDSize)
	}
	return checkEncode(id, accountIDVersion), nil
}

// DecodeAddress returns the account ID behind a classic address.
func DecodeAddress(addr string) ([]byte, error) {
	payload, version, err := checkDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if version != accountIDVersion || len(payload) != AccountIDSize {
		return nil, ErrInvalidAddress
	}
	return payload, nil
}

// ValidAddress reports whether addr is a well-formed classic address.
func ValidAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}

// EncodeSeed renders 16 bytes of entropy as a family seed ("s...").
func EncodeSeed(entropy []byte) (string, error) {
	if len(entropy) != SeedSize {
		return "", fmt.Errorf("%w: entropy must be %d bytes", ErrInvalidSeed, SeedSize)
	}
	return checkEncode(entropy, seedVersion), nil
}

// DecodeSeed returns the entropy behind a family seed.
func DecodeSeed(seed string) ([]byte, error) {
	payload, version, err := checkDecode(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if version != seedVersion || len(payload) != SeedSize {
		return nil, ErrInvalidSeed
	}
	return payload, nil
}
