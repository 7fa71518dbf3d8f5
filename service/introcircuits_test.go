package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/sandtor/emberonion/onion"
)

func testBlindedSigning(t *testing.T) *onion.BlindedSigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	signing, err := onion.BlindPrivateKey(priv, 19683, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey: %v", err)
	}
	return signing
}

func TestSignEstablishIntroAuthCertVerifies(t *testing.T) {
	signing := testBlindedSigning(t)
	kp, err := onion.NewEstablishIntroKeypair()
	if err != nil {
		t.Fatalf("NewEstablishIntroKeypair: %v", err)
	}

	cert, err := signEstablishIntroAuthCert(signing, kp)
	if err != nil {
		t.Fatalf("signEstablishIntroAuthCert: %v", err)
	}

	signed := cert[:len(cert)-ed25519.SignatureSize]
	sig := cert[len(cert)-ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(signing.Public[:]), signed, sig) {
		t.Fatal("auth-key cert signature does not verify against blinded public key")
	}
}

func TestSignEstablishIntroEncCertVerifies(t *testing.T) {
	signing := testBlindedSigning(t)
	var encPub [32]byte
	copy(encPub[:], "x25519-enc-public-key-32-bytes!!")

	cert, err := signEstablishIntroEncCert(signing, encPub)
	if err != nil {
		t.Fatalf("signEstablishIntroEncCert: %v", err)
	}

	signed := cert[:len(cert)-ed25519.SignatureSize]
	sig := cert[len(cert)-ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(signing.Public[:]), signed, sig) {
		t.Fatal("enc-key cert signature does not verify against blinded public key")
	}
}
