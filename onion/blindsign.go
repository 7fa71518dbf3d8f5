package onion

import (
	"crypto/ed25519"
	"fmt"

	"filippo.io/edwards25519"
)

// BlindedSigningKey holds the blinded scalar and nonce a service uses to
// sign its descriptor for one time period. Unlike BlindPublicKey (which a
// client uses to verify a descriptor it already has), this is the signer's
// half: it blinds the service's long-term Ed25519 private scalar so the
// resulting signature verifies against BlindPublicKey's output.
type BlindedSigningKey struct {
	// Scalar is the blinded private scalar: h * a (mod L), clamped per rend-spec-v3.
	Scalar *edwards25519.Scalar
	// Nonce is the second half of the expanded Ed25519 private key (used as
	// the signature nonce seed, mirroring crypto/ed25519's expanded-key format).
	Nonce [32]byte
	// Public is the blinded public key, A' = h*A, matching BlindPublicKey's output.
	Public [32]byte
}

// BlindPrivateKey derives the blinded signing key for a given time period
// from a service's long-term Ed25519 seed. periodNumber/periodLength must
// match the values used by BlindPublicKey so verifiers agree on A'.
func BlindPrivateKey(seed ed25519.PrivateKey, periodNumber, periodLength int64) (*BlindedSigningKey, error) {
	if len(seed) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d-byte ed25519 seed, got %d", ed25519.PrivateKeySize, len(seed))
	}

	// Expand the seed the way Ed25519 itself does: SHA-512(seed) split into
	// a clamped scalar half and a nonce half. crypto/ed25519 does not expose
	// this directly, so we recompute it the same way RFC 8032 §5.1.5 does.
	a, nonce, err := expandEd25519Seed(seed.Seed())
	if err != nil {
		return nil, fmt.Errorf("expand ed25519 seed: %w", err)
	}

	pub := seed.Public().(ed25519.PublicKey)
	var pubkey [32]byte
	copy(pubkey[:], pub)

	nonceBytes := buildBlindNonce(periodNumber, periodLength)
	h := blindingFactor(pubkey, nonceBytes)

	blindedScalar := new(edwards25519.Scalar).Multiply(h, a)

	blindedPub, err := BlindPublicKey(pubkey, periodNumber, periodLength)
	if err != nil {
		return nil, fmt.Errorf("derive blinded public key: %w", err)
	}

	return &BlindedSigningKey{
		Scalar: blindedScalar,
		Nonce:  nonce,
		Public: blindedPub,
	}, nil
}

// Sign produces a detached Ed25519 signature over msg using the blinded
// scalar, following RFC 8032's deterministic-nonce construction but seeded
// from the blinded key's nonce half rather than re-hashing a seed (there is
// no seed for a blinded key — only a scalar and a nonce).
func (k *BlindedSigningKey) Sign(msg []byte) ([64]byte, error) {
	return signWithScalar(k.Scalar, k.Nonce, k.Public, msg)
}

// blindingFactor computes h = SHA3-256(BLIND_STRING | A | B | N) as a
// clamped scalar, matching BlindPublicKey's own derivation exactly so the
// two stay in lockstep.
func blindingFactor(pubkey [32]byte, nonce []byte) *edwards25519.Scalar {
	h := sha3New256Sum(blindString, pubkey[:], ed25519Basepoint, nonce)
	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(h)
	if err != nil {
		// SetBytesWithClamping only fails on wrong-length input; h is
		// always a 32-byte SHA3-256 digest.
		panic(err)
	}
	return hScalar
}
