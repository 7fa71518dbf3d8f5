package xcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"filippo.io/edwards25519"
)

func TestX25519KeypairAgreement(t *testing.T) {
	aPriv, aPub, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair: %v", err)
	}
	bPriv, bPub, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair: %v", err)
	}

	shared1, err := X25519(aPriv, bPub)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	shared2, err := X25519(bPriv, aPub)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if !bytes.Equal(shared1, shared2) {
		t.Fatal("shared secrets do not match")
	}
}

func TestX25519BasepointMatchesKeypairPublic(t *testing.T) {
	priv, pub, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair: %v", err)
	}
	derived, err := X25519Basepoint(priv)
	if err != nil {
		t.Fatalf("X25519Basepoint: %v", err)
	}
	if !bytes.Equal(derived, pub[:]) {
		t.Fatal("X25519Basepoint does not match GenerateX25519Keypair's public half")
	}
}

func TestSHA256SumDeterministic(t *testing.T) {
	a := SHA256Sum([]byte("hello"))
	b := SHA256Sum([]byte("hello"))
	if a != b {
		t.Fatal("SHA256Sum is not deterministic")
	}
	if a == SHA256Sum([]byte("world")) {
		t.Fatal("different inputs produced the same digest")
	}
}

func TestSHA3256SumConcatenatesParts(t *testing.T) {
	whole := SHA3256Sum([]byte("helloworld"))
	split := SHA3256Sum([]byte("hello"), []byte("world"))
	if whole != split {
		t.Fatal("SHA3256Sum should hash the concatenation of its parts")
	}
}

func TestShakeKDFLengthAndDeterminism(t *testing.T) {
	out1 := ShakeKDF(40, []byte("seed"))
	out2 := ShakeKDF(40, []byte("seed"))
	if len(out1) != 40 {
		t.Fatalf("len = %d, want 40", len(out1))
	}
	if !bytes.Equal(out1, out2) {
		t.Fatal("ShakeKDF is not deterministic for identical inputs")
	}
	if bytes.Equal(out1, ShakeKDF(40, []byte("other seed"))) {
		t.Fatal("different seeds produced the same output")
	}
}

func TestHMACSHA256Deterministic(t *testing.T) {
	key := []byte("key")
	a := HMACSHA256(key, []byte("msg"))
	b := HMACSHA256(key, []byte("msg"))
	if !bytes.Equal(a, b) {
		t.Fatal("HMACSHA256 is not deterministic")
	}
	if bytes.Equal(a, HMACSHA256([]byte("other key"), []byte("msg"))) {
		t.Fatal("different keys produced the same MAC")
	}
}

func TestAESCTRStreamRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	enc, err := AESCTRStream(key, nil)
	if err != nil {
		t.Fatalf("AESCTRStream: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	dec, err := AESCTRStream(key, nil)
	if err != nil {
		t.Fatalf("AESCTRStream: %v", err)
	}
	recovered := make([]byte, len(ciphertext))
	dec.XORKeyStream(recovered, ciphertext)

	if !bytes.Equal(recovered, plaintext) {
		t.Fatal("AES-CTR round trip did not recover the plaintext")
	}
}

func TestRSASignVerifyPKCS1v15(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	msg := []byte("establish-intro cell body")

	sig, err := RSASignPKCS1v15(priv, msg)
	if err != nil {
		t.Fatalf("RSASignPKCS1v15: %v", err)
	}
	if err := RSAVerifyPKCS1v15(&priv.PublicKey, msg, sig); err != nil {
		t.Fatalf("RSAVerifyPKCS1v15: %v", err)
	}
	if err := RSAVerifyPKCS1v15(&priv.PublicKey, []byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure for a tampered message")
	}
}

func TestBase32OnionRoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0xAA, 0xBB, 0xCC, 0xFF}
	encoded := Base32OnionEncode(data)
	if bytes.ContainsAny([]byte(encoded), "=") {
		t.Fatal("Base32OnionEncode should not pad")
	}
	decoded, err := Base32OnionDecode(encoded)
	if err != nil {
		t.Fatalf("Base32OnionDecode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("base32 round trip mismatch")
	}
}

func TestBase64RawRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x10, 0x20, 0x30, 0xFE, 0xFF}
	encoded := Base64RawEncode(data)
	if bytes.ContainsAny([]byte(encoded), "=") {
		t.Fatal("Base64RawEncode should not pad")
	}
	decoded, err := Base64RawDecode(encoded)
	if err != nil {
		t.Fatalf("Base64RawDecode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("base64 round trip mismatch")
	}
}

func TestScalarMultBaseMatchesScalarMultOfGenerator(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	scalar, err := ScalarFromBytesClamped(seed)
	if err != nil {
		t.Fatalf("ScalarFromBytesClamped: %v", err)
	}

	viaBase := ScalarMultBase(scalar)
	viaMult := ScalarMult(scalar, edwards25519.NewGeneratorPoint())

	if viaBase.Equal(viaMult) != 1 {
		t.Fatal("ScalarMultBase(s) should equal ScalarMult(s, generator)")
	}
}

func TestPointFromBytesRoundTrip(t *testing.T) {
	scalar, err := ScalarFromBytesClamped(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("ScalarFromBytesClamped: %v", err)
	}
	point := ScalarMultBase(scalar)

	reparsed, err := PointFromBytes(point.Bytes())
	if err != nil {
		t.Fatalf("PointFromBytes: %v", err)
	}
	if reparsed.Equal(point) != 1 {
		t.Fatal("PointFromBytes did not reproduce the original point")
	}
}
