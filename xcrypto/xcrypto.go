// Package xcrypto centralizes the primitives the onion-service layer needs:
// Curve25519, Ed25519 (including scalar blinding for both keys), SHA-1/256/3
// and SHAKE-256, HMAC, AES-CTR, RSA-1024 sign/verify, and base32/64 codecs.
// The onion, ntor and service packages import golang.org/x/crypto and
// filippo.io/edwards25519 directly rather than through this package.
package xcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"hash"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// X25519 computes the Curve25519 Diffie-Hellman shared point.
func X25519(scalar, point [32]byte) ([]byte, error) {
	return curve25519.X25519(scalar[:], point[:])
}

// X25519Basepoint derives a public key from a private scalar.
func X25519Basepoint(scalar [32]byte) ([]byte, error) {
	return curve25519.X25519(scalar[:], curve25519.Basepoint)
}

// GenerateX25519Keypair returns a fresh ephemeral Curve25519 keypair.
func GenerateX25519Keypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 private scalar: %w", err)
	}
	pubBytes, err := X25519Basepoint(priv)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// SHA1 returns a fresh running SHA-1 digest.
func SHA1() hash.Hash { return sha1.New() }

// SHA256Sum returns the SHA-256 digest of data.
func SHA256Sum(data []byte) [32]byte { return sha256.Sum256(data) }

// SHA3256 returns a fresh running SHA3-256 digest.
func SHA3256() hash.Hash { return sha3.New256() }

// SHA3256Sum returns the SHA3-256 digest of the concatenation of parts.
func SHA3256Sum(parts ...[]byte) [32]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ShakeKDF derives outLen bytes from SHAKE-256 over the concatenation of parts.
func ShakeKDF(outLen int, parts ...[]byte) []byte {
	shake := sha3.NewShake256()
	for _, p := range parts {
		shake.Write(p)
	}
	out := make([]byte, outLen)
	_, _ = shake.Read(out)
	return out
}

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// AESCTRStream builds an AES-CTR stream cipher with the given key and IV
// (IV must be aes.BlockSize bytes; callers pass a zero IV for Tor's
// stream-persists-across-cells convention).
func AESCTRStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
	}
	return cipher.NewCTR(block, iv), nil
}

// RSASignPKCS1v15 signs a SHA-256 digest of msg with an RSA-1024 key.
func RSASignPKCS1v15(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

// RSAVerifyPKCS1v15 verifies an RSA-1024 signature over a SHA-256 digest of msg.
func RSAVerifyPKCS1v15(pub *rsa.PublicKey, msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// Base32Onion / Base64Raw are the two encodings the hidden-service layer
// needs: unpadded upper-case base32 for .onion addresses, unpadded standard
// base64 for blinded-key URLs.
func Base32OnionEncode(b []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}

func Base32OnionDecode(s string) ([]byte, error) {
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
}

func Base64RawEncode(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func Base64RawDecode(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

// Ed25519 scalar/point helpers built on filippo.io/edwards25519, used for
// key blinding (both directions: public-only for verifiers, public+private
// for signers).

// ScalarFromBytesClamped clamps and reduces a 32-byte blinding hash into a
// valid Ed25519 scalar, per rend-spec-v3's blinding-factor construction.
func ScalarFromBytesClamped(b []byte) (*edwards25519.Scalar, error) {
	return new(edwards25519.Scalar).SetBytesWithClamping(b)
}

// PointFromBytes parses a 32-byte Ed25519 public key into a curve point.
func PointFromBytes(b []byte) (*edwards25519.Point, error) {
	return new(edwards25519.Point).SetBytes(b)
}

// ScalarMultBase computes scalar*B for the Ed25519 basepoint B.
func ScalarMultBase(s *edwards25519.Scalar) *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(s)
}

// ScalarMult computes scalar*P for an arbitrary point P.
func ScalarMult(s *edwards25519.Scalar, p *edwards25519.Point) *edwards25519.Point {
	return new(edwards25519.Point).ScalarMult(s, p)
}
