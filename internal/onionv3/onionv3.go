// Package onionv3 derives version 3 onion service addresses from ed25519
// key pairs and supports brute-force vanity address search.
package onionv3

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// PublicKeySize is the size of an ed25519 public key in bytes.
	PublicKeySize = 32

	// SecretKeySize is the size of a secret key seed in bytes.
	SecretKeySize = 32

	// PayloadSize is the size of the encoded address payload:
	// public key (32) + checksum (2) + version (1).
	PayloadSize = PublicKeySize + ChecksumSize + 1

	// ChecksumSize is the number of checksum bytes carried in the payload.
	ChecksumSize = 2

	// Version is the onion address version byte.
	Version = 0x03

	// Suffix is appended to every encoded address.
	Suffix = ".onion"

	// checksumPrefix is the domain separation prefix hashed into the checksum.
	checksumPrefix = ".onion checksum"

	// defaultYieldEvery is the cooperative search checkpoint interval.
	defaultYieldEvery = 1000
)

// ErrInvalidKeyLength is returned when a supplied secret key is not exactly 32 bytes.
var ErrInvalidKeyLength = errors.New("invalid secret key length: expected 32 bytes")

// encoding is the unpadded base32 alphabet used by onion addresses.
// Encoded output is lower-cased before use.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address is an onion v3 service address together with the key pair it was
// derived from. The textual form is always the deterministic encoding of the
// public key. Immutable after construction.
type Address struct {
	secret   [SecretKeySize]byte
	public   [PublicKeySize]byte
	addr     string
	attempts uint64
}

// Generate draws a fresh key pair from crypto/rand and derives its address.
// The attempt counter of the result is 1.
func Generate() (*Address, error) {
	a, err := generate()
	if err != nil {
		return nil, err
	}
	a.attempts = 1
	return a, nil
}

// FromSecret reconstructs a key pair deterministically from a 32-byte secret
// seed. The attempt counter of the result is 0.
func FromSecret(secret []byte) (*Address, error) {
	if len(secret) != SecretKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(secret))
	}
	private := ed25519.NewKeyFromSeed(secret)

	var a Address
	copy(a.secret[:], secret)
	copy(a.public[:], private.Public().(ed25519.PublicKey))
	a.addr = DeriveAddress(a.public)
	return &a, nil
}

// Search generates key pairs until the address body starts with prefix,
// never yielding control. Termination is not guaranteed in bounded time:
// expected cost grows exponentially with prefix length, and a prefix using
// characters outside the base32 alphabet never matches at all.
func Search(prefix string) (*Address, error) {
	var attempts uint64
	for {
		a, err := generate()
		if err != nil {
			return nil, err
		}
		attempts++
		if strings.HasPrefix(a.Body(), prefix) {
			a.attempts = attempts
			return a, nil
		}
	}
}

// SearchContext is the cooperative variant of Search: after every yieldEvery
// attempts it checks ctx and yields the processor, so a long search cannot
// starve concurrent work. A yieldEvery of 0 selects the default of 1000;
// values below 1 are clamped to 1. The same termination caveat as Search
// applies while ctx remains live.
func SearchContext(ctx context.Context, prefix string, yieldEvery int) (*Address, error) {
	if yieldEvery == 0 {
		yieldEvery = defaultYieldEvery
	} else if yieldEvery < 1 {
		yieldEvery = 1
	}

	var attempts uint64
	for {
		for i := 0; i < yieldEvery; i++ {
			a, err := generate()
			if err != nil {
				return nil, err
			}
			attempts++
			if strings.HasPrefix(a.Body(), prefix) {
				a.attempts = attempts
				return a, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
}

// generate builds an Address with a fresh key pair, leaving the attempt
// counter for the caller to fill in.
func generate() (*Address, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	var a Address
	copy(a.secret[:], private.Seed())
	copy(a.public[:], public)
	a.addr = DeriveAddress(a.public)
	return &a, nil
}

// DeriveAddress computes the textual address for a public key. The checksum
// is SHA3-256 over ".onion checksum" || key || version truncated to 2 bytes;
// the 35-byte payload key || checksum || version is encoded as unpadded
// lower-case base32 with the ".onion" suffix appended. The encoding is fixed
// by the network and must not change.
func DeriveAddress(public [PublicKeySize]byte) string {
	input := make([]byte, 0, len(checksumPrefix)+PublicKeySize+1)
	input = append(input, checksumPrefix...)
	input = append(input, public[:]...)
	input = append(input, Version)
	checksum := sha3.Sum256(input)

	payload := make([]byte, 0, PayloadSize)
	payload = append(payload, public[:]...)
	payload = append(payload, checksum[:ChecksumSize]...)
	payload = append(payload, Version)

	return strings.ToLower(encoding.EncodeToString(payload)) + Suffix
}

// String returns the textual onion address, including the ".onion" suffix.
func (a *Address) String() string {
	return a.addr
}

// Body returns the textual address without the ".onion" suffix.
func (a *Address) Body() string {
	return strings.TrimSuffix(a.addr, Suffix)
}

// PublicKey returns a copy of the 32-byte public key.
func (a *Address) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, a.public[:])
	return out
}

// SecretKey returns a copy of the 32-byte secret key seed.
func (a *Address) SecretKey() []byte {
	out := make([]byte, SecretKeySize)
	copy(out, a.secret[:])
	return out
}

// Attempts reports how many key pairs were generated to produce this address:
// 1 for Generate, the search count for vanity results, 0 for FromSecret.
func (a *Address) Attempts() uint64 {
	return a.attempts
}
