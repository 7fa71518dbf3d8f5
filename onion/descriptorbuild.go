package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// EncryptDescriptorLayer is the inverse of DecryptDescriptorLayer: it
// encrypts plaintext and appends a MAC, using the identical key-derivation
// and MAC construction so a client's DecryptDescriptorLayer can undo it.
func EncryptDescriptorLayer(plaintext []byte, secretData, subcredential []byte, revisionCounter uint64, stringConstant string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], revisionCounter)

	secretInput := make([]byte, 0, len(secretData)+len(subcredential)+8)
	secretInput = append(secretInput, secretData...)
	secretInput = append(secretInput, subcredential...)
	secretInput = append(secretInput, revBuf[:]...)

	kdfInput := make([]byte, 0, len(secretInput)+saltLen+len(stringConstant))
	kdfInput = append(kdfInput, secretInput...)
	kdfInput = append(kdfInput, salt...)
	kdfInput = append(kdfInput, []byte(stringConstant)...)

	keys := make([]byte, totalKeys)
	shake := newShake256()
	shake.Write(kdfInput)
	_, _ = shake.Read(keys)

	secretKey := keys[:sKeyLen]
	secretIV := keys[sKeyLen : sKeyLen+sIVLen]
	macKey := keys[sKeyLen+sIVLen:]

	block, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, secretIV)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	mac := computeMAC(macKey, salt, ciphertext)

	out := make([]byte, 0, saltLen+len(ciphertext)+macLen)
	out = append(out, salt...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out, nil
}

// BuildIntroPointBlock renders one introduction point's descriptor stanza,
// the inverse of parseIntroPoints' per-point parsing in intropoint.go.
func BuildIntroPointBlock(linkSpecs []byte, onionKey [32]byte, authKeyCert []byte, encKey [32]byte, encKeyCert []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "introduction-point %s\n", base64.StdEncoding.EncodeToString(linkSpecs))
	fmt.Fprintf(&b, "onion-key ntor %s\n", base64.RawStdEncoding.EncodeToString(onionKey[:]))
	b.WriteString("auth-key\n-----BEGIN ED25519 CERT-----\n")
	writeBase64Wrapped(&b, authKeyCert)
	b.WriteString("-----END ED25519 CERT-----\n")
	fmt.Fprintf(&b, "enc-key ntor %s\n", base64.RawStdEncoding.EncodeToString(encKey[:]))
	b.WriteString("enc-key-cert\n-----BEGIN ED25519 CERT-----\n")
	writeBase64Wrapped(&b, encKeyCert)
	b.WriteString("-----END ED25519 CERT-----\n")
	return b.String()
}

func writeBase64Wrapped(b *strings.Builder, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 64 {
		b.WriteString(encoded[:64])
		b.WriteByte('\n')
		encoded = encoded[64:]
	}
	if len(encoded) > 0 {
		b.WriteString(encoded)
		b.WriteByte('\n')
	}
}

// BuildDescriptorInnerLayer renders the second-layer plaintext (the one
// parseIntroPoints consumes): just the concatenated introduction-point blocks.
func BuildDescriptorInnerLayer(points []string) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(p)
	}
	return b.String()
}

// BuildDescriptorOuterPlaintext renders the first-layer plaintext that wraps
// the encrypted second layer (what parseFirstLayerPlaintext consumes).
func BuildDescriptorOuterPlaintext(encryptedInner []byte) string {
	var b strings.Builder
	b.WriteString("desc-auth-type x25519\n")
	b.WriteString("-----BEGIN MESSAGE-----\n")
	writeBase64Wrapped(&b, encryptedInner)
	b.WriteString("-----END MESSAGE-----\n")
	return b.String()
}

// BuildDescriptor assembles, encrypts, and signs a complete v3 HS descriptor
// for one time period — the literal inverse of ParseDescriptorOuter +
// DecryptAndParseDescriptor. blindedSigning must be the BlindedSigningKey
// for the same (blindedKey, periodNumber, periodLength) that subcredential
// was derived from.
func BuildDescriptor(points []string, blindedKey [32]byte, subcredential [32]byte, revisionCounter uint64, lifetimeSeconds int, blindedSigning *BlindedSigningKey, signingCert []byte) (string, error) {
	inner := BuildDescriptorInnerLayer(points)
	encryptedInner, err := EncryptDescriptorLayer([]byte(inner), blindedKey[:], subcredential[:], revisionCounter, "hsdir-encrypted-data")
	if err != nil {
		return "", fmt.Errorf("encrypt inner layer: %w", err)
	}

	outerPlain := BuildDescriptorOuterPlaintext(encryptedInner)
	encryptedOuter, err := EncryptDescriptorLayer([]byte(outerPlain), blindedKey[:], subcredential[:], revisionCounter, "hsdir-superencrypted-data")
	if err != nil {
		return "", fmt.Errorf("encrypt outer layer: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "hs-descriptor 3\n")
	fmt.Fprintf(&b, "descriptor-lifetime %d\n", lifetimeSeconds)
	b.WriteString("descriptor-signing-key-cert\n-----BEGIN ED25519 CERT-----\n")
	writeBase64Wrapped(&b, signingCert)
	b.WriteString("-----END ED25519 CERT-----\n")
	fmt.Fprintf(&b, "revision-counter %d\n", revisionCounter)
	b.WriteString("superencrypted\n-----BEGIN MESSAGE-----\n")
	writeBase64Wrapped(&b, encryptedOuter)
	b.WriteString("-----END MESSAGE-----\n")

	sig, err := blindedSigning.Sign([]byte(b.String() + "signature "))
	if err != nil {
		return "", fmt.Errorf("sign descriptor: %w", err)
	}
	b.WriteString("signature " + base64.RawStdEncoding.EncodeToString(sig[:]) + "\n")

	return b.String(), nil
}

// SignDescriptorSigningCert signs a short-lived Ed25519 descriptor-signing
// key with the blinded identity key, producing the descriptor-signing-key
// certificate (CertType 0x08 in rend-spec-v3's certificate table) clients
// verify before trusting the descriptor's own signature.
func SignDescriptorSigningCert(blindedSigning *BlindedSigningKey, signingPub ed25519.PublicKey, expirationHrs uint32) ([]byte, error) {
	cert := make([]byte, 0, 39)
	cert = append(cert, 0x01)          // Version
	cert = append(cert, 0x08)          // CertType: descriptor-signing key
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expirationHrs)
	cert = append(cert, expBuf[:]...)
	cert = append(cert, 0x01) // KeyType: Ed25519
	cert = append(cert, signingPub...)
	cert = append(cert, 0x00) // N_EXTENSIONS — omit the signing-key extension; verifier is given blindedSigning.Public out of band

	sig, err := blindedSigning.Sign(cert)
	if err != nil {
		return nil, fmt.Errorf("sign descriptor-signing cert: %w", err)
	}
	return append(cert, sig[:]...), nil
}
