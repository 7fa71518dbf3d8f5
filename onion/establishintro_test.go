package onion

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"testing"
)

func TestBuildESTABLISHINTROStructure(t *testing.T) {
	kp, err := NewEstablishIntroKeypair()
	if err != nil {
		t.Fatalf("NewEstablishIntroKeypair: %v", err)
	}
	circuitKeyMaterial := []byte("backward-digest-seed-for-circuit")

	payload, err := BuildESTABLISHINTRO(kp, circuitKeyMaterial)
	if err != nil {
		t.Fatalf("BuildESTABLISHINTRO: %v", err)
	}

	if payload[0] != 0x02 {
		t.Fatalf("AUTH_KEY_TYPE = %d, want 2 (Ed25519)", payload[0])
	}
	keyLen := binary.BigEndian.Uint16(payload[1:3])
	if keyLen != ed25519.PublicKeySize {
		t.Fatalf("AUTH_KEY_LEN = %d, want %d", keyLen, ed25519.PublicKeySize)
	}
	authKey := payload[3 : 3+ed25519.PublicKeySize]
	if !bytes.Equal(authKey, kp.Public) {
		t.Fatal("AUTH_KEY does not match keypair's public key")
	}

	nExtOffset := 3 + ed25519.PublicKeySize
	if payload[nExtOffset] != 0x00 {
		t.Fatalf("N_EXTENSIONS = %d, want 0", payload[nExtOffset])
	}

	sigLenOffset := len(payload) - 2 - ed25519.SignatureSize
	sigLen := binary.BigEndian.Uint16(payload[sigLenOffset : sigLenOffset+2])
	if int(sigLen) != ed25519.SignatureSize {
		t.Fatalf("SIG_LEN = %d, want %d", sigLen, ed25519.SignatureSize)
	}

	signed := payload[:sigLenOffset]
	sig := payload[sigLenOffset+2:]
	if !ed25519.Verify(kp.Public, signed, sig) {
		t.Fatal("signature does not verify over preceding bytes")
	}
}

func TestBuildESTABLISHINTRODifferentCircuitsDiffer(t *testing.T) {
	kp, err := NewEstablishIntroKeypair()
	if err != nil {
		t.Fatalf("NewEstablishIntroKeypair: %v", err)
	}

	a, err := BuildESTABLISHINTRO(kp, []byte("circuit-a-digest"))
	if err != nil {
		t.Fatalf("BuildESTABLISHINTRO a: %v", err)
	}
	b, err := BuildESTABLISHINTRO(kp, []byte("circuit-b-digest"))
	if err != nil {
		t.Fatalf("BuildESTABLISHINTRO b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("HANDSHAKE_AUTH should differ across distinct circuit key material")
	}
}

func TestVerifyINTRODUCEACKSuccess(t *testing.T) {
	body := []byte{0x00, 0x00}
	if err := VerifyINTRODUCEACK(body); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerifyINTRODUCEACKFailureStatus(t *testing.T) {
	body := []byte{0x00, 0x01}
	if err := VerifyINTRODUCEACK(body); err == nil {
		t.Fatal("expected error for non-zero status")
	}
}

func TestVerifyINTRODUCEACKTooShort(t *testing.T) {
	if err := VerifyINTRODUCEACK([]byte{0x00}); err == nil {
		t.Fatal("expected error for short body")
	}
}
