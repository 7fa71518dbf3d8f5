package onion

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// sha3New256Sum hashes the concatenation of parts with SHA3-256.
func sha3New256Sum(parts ...[]byte) []byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// expandEd25519Seed reproduces RFC 8032 §5.1.5 step 2: SHA-512(seed) split
// into a clamped scalar (the "a" half) and a nonce (the "prefix" half).
// crypto/ed25519 performs this internally but does not export it; callers
// that need the raw scalar (to blind it) must recompute it themselves.
func expandEd25519Seed(seed []byte) (*edwards25519.Scalar, [32]byte, error) {
	var nonce [32]byte
	if len(seed) != 32 {
		return nil, nonce, fmt.Errorf("ed25519 seed must be 32 bytes, got %d", len(seed))
	}
	digest := sha512.Sum512(seed)
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64

	a, err := new(edwards25519.Scalar).SetBytesWithClamping(digest[:32])
	if err != nil {
		return nil, nonce, fmt.Errorf("scalar from expanded seed: %w", err)
	}
	copy(nonce[:], digest[32:])
	return a, nonce, nil
}

// signWithScalar signs msg with a raw (already-clamped) Ed25519 scalar and
// its paired nonce half, per RFC 8032 §5.1.6, given the scalar's public
// point. This is the scalar-based signing primitive crypto/ed25519 doesn't
// expose, needed because a blinded signing key has no seed to re-derive from.
func signWithScalar(scalar *edwards25519.Scalar, nonce [32]byte, pub [32]byte, msg []byte) ([64]byte, error) {
	var sig [64]byte

	// r = SHA-512(nonce | msg) mod L
	rh := sha512.New()
	rh.Write(nonce[:])
	rh.Write(msg)
	rDigest := rh.Sum(nil)
	r, err := new(edwards25519.Scalar).SetUniformBytes(rDigest)
	if err != nil {
		return sig, fmt.Errorf("derive r: %w", err)
	}

	R := new(edwards25519.Point).ScalarBaseMult(r)
	RBytes := R.Bytes()

	// k = SHA-512(R | A | msg) mod L
	kh := sha512.New()
	kh.Write(RBytes)
	kh.Write(pub[:])
	kh.Write(msg)
	kDigest := kh.Sum(nil)
	k, err := new(edwards25519.Scalar).SetUniformBytes(kDigest)
	if err != nil {
		return sig, fmt.Errorf("derive k: %w", err)
	}

	// S = r + k*a mod L
	S := new(edwards25519.Scalar).MultiplyAdd(k, scalar, r)

	copy(sig[:32], RBytes)
	copy(sig[32:], S.Bytes())
	return sig, nil
}
