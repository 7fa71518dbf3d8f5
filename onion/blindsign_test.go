package onion

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestBlindPrivateKeyMatchesBlindPublicKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	const periodNumber, periodLength = 19683, 1440

	signing, err := BlindPrivateKey(priv, periodNumber, periodLength)
	if err != nil {
		t.Fatalf("BlindPrivateKey: %v", err)
	}

	var pubkey [32]byte
	copy(pubkey[:], pub)
	want, err := BlindPublicKey(pubkey, periodNumber, periodLength)
	if err != nil {
		t.Fatalf("BlindPublicKey: %v", err)
	}

	if signing.Public != want {
		t.Fatalf("blinded public key mismatch: got %x, want %x", signing.Public, want)
	}
}

func TestBlindedSigningKeySignVerifies(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signing, err := BlindPrivateKey(priv, 19683, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey: %v", err)
	}

	msg := []byte("descriptor body to sign")
	sig, err := signing.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(signing.Public[:]), msg, sig[:]) {
		t.Fatal("signature did not verify against blinded public key")
	}
}

func TestBlindPrivateKeyDifferentPeriodsDiffer(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a, err := BlindPrivateKey(priv, 100, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey(100): %v", err)
	}
	b, err := BlindPrivateKey(priv, 101, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey(101): %v", err)
	}

	if a.Public == b.Public {
		t.Fatal("blinded keys for different time periods should not match")
	}
}

func TestBlindPrivateKeyRejectsShortSeed(t *testing.T) {
	_, err := BlindPrivateKey(make(ed25519.PrivateKey, 16), 1, 1440)
	if err == nil {
		t.Fatal("expected error for short private key")
	}
}
