// Package ident encodes storage keys into the opaque, kind-tagged identifiers
// exchanged with API clients.
//
// A token is a two-letter kind tag followed by 11 characters of unpadded
// base64url. The 64-bit key is scrambled with an invertible mix before
// encoding so consecutive keys do not produce visibly consecutive tokens.
// The scheme is about keeping entity kinds apart, not about secrecy.
package ident

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformed means the token could not be parsed at all.
	ErrMalformed = errors.New("malformed identifier")
	// ErrKindMismatch means the token is valid but names another entity kind.
	ErrKindMismatch = errors.New("identifier kind mismatch")
)

// Kind tags the entity an identifier refers to.
type Kind [2]byte

var (
	KindRealm = Kind{'r', 'e'}
	KindBlock = Kind{'b', 'l'}
)

var kindNames = map[Kind]string{
	KindRealm: "realm",
	KindBlock: "block",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%q)", string(k[:]))
}

// ID is an encoded identifier as sent over the wire.
type ID string

const (
	keyLen   = 11 // base64 characters for 8 bytes, unpadded
	tokenLen = len(Kind{}) + keyLen
)

var encoding = base64.RawURLEncoding

// Encode returns the identifier for key of the given kind.
func Encode(kind Kind, key int64) ID {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], mix(uint64(key)))
	buf := make([]byte, tokenLen)
	copy(buf, kind[:])
	encoding.Encode(buf[len(kind):], raw[:])
	return ID(buf)
}

// Decode returns the key inside id, provided id is of the expected kind.
func Decode(id ID, expected Kind) (int64, error) {
	kind, key, err := Parse(id)
	if err != nil {
		return 0, err
	}
	if kind != expected {
		return 0, fmt.Errorf("%w: expected %s id, got %s id", ErrKindMismatch, expected, kind)
	}
	return key, nil
}

// Parse decodes id without checking its kind against an expectation.
func Parse(id ID) (Kind, int64, error) {
	if len(id) != tokenLen {
		return Kind{}, 0, fmt.Errorf("%w: %q has length %d, want %d", ErrMalformed, string(id), len(id), tokenLen)
	}
	kind := Kind{id[0], id[1]}
	if _, ok := kindNames[kind]; !ok {
		return Kind{}, 0, fmt.Errorf("%w: %q has unknown kind", ErrMalformed, string(id))
	}
	var raw [8]byte
	n, err := encoding.Decode(raw[:], []byte(id[len(kind):]))
	if err != nil || n != len(raw) {
		return Kind{}, 0, fmt.Errorf("%w: %q", ErrMalformed, string(id))
	}
	key := int64(unmix(binary.BigEndian.Uint64(raw[:])))
	// Reject non-canonical encodings so every key has exactly one token.
	if Encode(kind, key) != id {
		return Kind{}, 0, fmt.Errorf("%w: %q is not canonical", ErrMalformed, string(id))
	}
	return kind, key, nil
}

// Kind reports the kind of a well-formed id.
func (id ID) Kind() (Kind, error) {
	kind, _, err := Parse(id)
	return kind, err
}

// Mixing constants. mul must be odd so it has a multiplicative inverse
// modulo 2^64; both xorshift steps shift by at least 32 and are therefore
// their own inverse.
const mul uint64 = 0x9e3779b97f4a7c15

var mulInv = inverse(mul)

func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= mul
	x ^= x >> 32
	return x
}

func unmix(x uint64) uint64 {
	x ^= x >> 32
	x *= mulInv
	x ^= x >> 33
	return x
}

// inverse computes a^-1 mod 2^64 for odd a by Newton iteration; each step
// doubles the number of correct low bits.
func inverse(a uint64) uint64 {
	x := a
	for i := 0; i < 5; i++ {
		x *= 2 - a*x
	}
	return x
}
