package xrpl

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // the ledger hashes account IDs with RIPEMD-160
)

// Keypair is a secp256k1 account key derived from a family seed.
type Keypair struct {
	Seed       string
	PrivateKey *ecdsa.PrivateKey
	PublicKey  []byte // 33-byte compressed
	Address    string
}

// PublicKeyHex returns the compressed public key as uppercase hex.
func (k Keypair) PublicKeyHex() string {
	return strings.ToUpper(hex.EncodeToString(k.PublicKey))
}

// GenerateKeypair creates a keypair from fresh entropy.
func GenerateKeypair(r io.Reader) (Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	entropy := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, entropy); err != nil {
		return Keypair{}, fmt.Errorf("xrpl: read entropy: %w", err)
	}
	seed, err := EncodeSeed(entropy)
	if err != nil {
		return Keypair{}, err
	}
	return keypairFromEntropy(seed, entropy)
}

// DeriveKeypair re-derives the account key for an existing family seed.
func DeriveKeypair(seed string) (Keypair, error) {
	seed = strings.TrimSpace(seed)
	entropy, err := DecodeSeed(seed)
	if err != nil {
		return Keypair{}, err
	}
	return keypairFromEntropy(seed, entropy)
}

// AddressFromSeed is a shortcut for DeriveKeypair(seed).Address.
func AddressFromSeed(seed string) (string, error) {
	kp, err := DeriveKeypair(seed)
	if err != nil {
		return "", err
	}
	return kp.Address, nil
}

func keypairFromEntropy(seed string, entropy []byte) (Keypair, error) {
	order := crypto.S256().Params().N

	root := deriveScalar(entropy, nil, order)
	rootKey, err := toECDSA(root)
	if err != nil {
		return Keypair{}, err
	}
	rootPub := crypto.CompressPubkey(&rootKey.PublicKey)

	// Account 0 of the root generator, as every wallet library derives it.
	var accountIndex uint32
	intermediate := deriveScalar(rootPub, &accountIndex, order)

	priv := new(big.Int).Add(root, intermediate)
	priv.Mod(priv, order)
	key, err := toECDSA(priv)
	if err != nil {
		return Keypair{}, err
	}
	pub := crypto.CompressPubkey(&key.PublicKey)

	addr, err := EncodeAccountID(accountID(pub))
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Seed: seed, PrivateKey: key, PublicKey: pub, Address: addr}, nil
}

// deriveScalar hashes input with an incrementing counter until the result
// is a valid secp256k1 scalar.
func deriveScalar(input []byte, discriminator *uint32, order *big.Int) *big.Int {
	var buf [4]byte
	for i := uint32(0); ; i++ {
		h := sha512.New()
		h.Write(input)
		if discriminator != nil {
			binary.BigEndian.PutUint32(buf[:], *discriminator)
			h.Write(buf[:])
		}
		binary.BigEndian.PutUint32(buf[:], i)
		h.Write(buf[:])
		candidate := new(big.Int).SetBytes(h.Sum(nil)[:32])
		if candidate.Sign() > 0 && candidate.Cmp(order) < 0 {
			return candidate
		}
	}
}

func toECDSA(k *big.Int) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(k.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, fmt.Errorf("xrpl: derive key: %w", err)
	}
	return key, nil
}

func accountID(pub []byte) []byte {
	sha := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}
