package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// Introduce2Request holds the fields a service extracts from an INTRODUCE2
// cell after MAC verification and decryption — the mirror image of
// BuildINTRODUCE1 on the client side.
type Introduce2Request struct {
	RendCookie    [20]byte
	RendOnionKey  [32]byte // the rendezvous point's ntor onion key, from the client
	RendLinkSpecs []byte   // encoded link specifiers for the rendezvous point, EXTEND2-ready
	ClientX       [32]byte // client's ephemeral hs-ntor public key
	ServiceKeys   RendezvousKeys
	// RendY/RendAuth are the service's response values for RENDEZVOUS1,
	// computed once here (not recomputed later) so the ephemeral keypair
	// behind them matches the one ServiceKeys was derived from.
	RendY    [32]byte
	RendAuth [32]byte
}

// ParseINTRODUCE2 decrypts and validates an INTRODUCE2 cell body using the
// service's enc-key ntor keypair, the per-circuit AUTH_KEY, and the
// subcredential for the time period the descriptor was published under. It
// returns the client's rendezvous request and the keys for the rendezvous
// circuit's virtual hop.
//
// Layout (rend-spec-v3 §3.2): LEGACY_KEY_ID(20, zero) | AUTH_KEY_TYPE(1) |
// AUTH_KEY_LEN(2) | AUTH_KEY | N_EXTENSIONS(1) | EXTENSIONS | CLIENT_PK(32) |
// ENCRYPTED | MAC(32).
func ParseINTRODUCE2(body []byte, serviceEncPriv, serviceEncPub [32]byte, authKey []byte, subcredential [32]byte) (*Introduce2Request, error) {
	if len(body) < 20+1+2 {
		return nil, fmt.Errorf("INTRODUCE2 too short: %d bytes", len(body))
	}
	pos := 20 // LEGACY_KEY_ID, unused for Ed25519 auth keys
	authKeyType := body[pos]
	pos++
	if authKeyType != 0x02 {
		return nil, fmt.Errorf("unsupported AUTH_KEY_TYPE %d", authKeyType)
	}
	authKeyLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if pos+authKeyLen > len(body) {
		return nil, fmt.Errorf("AUTH_KEY truncated")
	}
	pos += authKeyLen // skipped: key derivation uses the caller's authKey, so a different AUTH_KEY here fails the MAC check

	if pos >= len(body) {
		return nil, fmt.Errorf("INTRODUCE2 truncated before N_EXTENSIONS")
	}
	nExt := body[pos]
	pos++
	for i := byte(0); i < nExt; i++ {
		if pos+2 > len(body) {
			return nil, fmt.Errorf("extension %d truncated", i)
		}
		extLen := int(body[pos+1])
		pos += 2 + extLen
		if pos > len(body) {
			return nil, fmt.Errorf("extension %d data overflows", i)
		}
	}

	if pos+32+32 > len(body) {
		return nil, fmt.Errorf("INTRODUCE2 missing CLIENT_PK/MAC")
	}
	var clientX [32]byte
	copy(clientX[:], body[pos:pos+32])
	pos += 32

	encrypted := body[pos : len(body)-32]
	mac := body[len(body)-32:]

	encKey, macKey, err := HsNtorServerIntroKeys(serviceEncPriv, serviceEncPub, authKey, clientX, subcredential)
	if err != nil {
		return nil, fmt.Errorf("derive intro keys: %w", err)
	}

	// MAC covers everything before CLIENT_PK through the encrypted body:
	// MAC(MAC_KEY, H | X | encrypted) where H is the header preceding CLIENT_PK.
	macInput := make([]byte, 0, pos+len(encrypted))
	macInput = append(macInput, body[:pos-32]...)
	macInput = append(macInput, clientX[:]...)
	macInput = append(macInput, encrypted...)
	expectedMAC := hsMAC(macKey[:], macInput)
	if subtle.ConstantTimeCompare(expectedMAC, mac) != 1 {
		return nil, fmt.Errorf("INTRODUCE2 MAC verification failed")
	}

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, iv)
	plaintext := make([]byte, len(encrypted))
	stream.XORKeyStream(plaintext, encrypted)

	req, err := parseIntro2Plaintext(plaintext)
	if err != nil {
		return nil, fmt.Errorf("parse INTRODUCE2 plaintext: %w", err)
	}
	req.ClientX = clientX

	serverY, auth, keys, err := HsNtorServerRendezvous(serviceEncPriv, serviceEncPub, authKey, clientX, subcredential)
	if err != nil {
		return nil, fmt.Errorf("derive rendezvous keys: %w", err)
	}
	req.ServiceKeys = keys
	req.RendY = serverY
	req.RendAuth = auth
	return req, nil
}

// parseIntro2Plaintext parses the body produced by BuildINTRODUCE1's
// plaintext construction: RENDEZVOUS_COOKIE(20) | N_EXTENSIONS(1) |
// ONION_KEY_TYPE(1) | ONION_KEY_LEN(2) | ONION_KEY(32) | NSPEC | link specs...
func parseIntro2Plaintext(plaintext []byte) (*Introduce2Request, error) {
	if len(plaintext) < 20+1+1+2+32 {
		return nil, fmt.Errorf("INTRODUCE2 plaintext too short: %d bytes", len(plaintext))
	}
	req := &Introduce2Request{}
	copy(req.RendCookie[:], plaintext[:20])
	pos := 20

	nExt := plaintext[pos]
	pos++
	for i := byte(0); i < nExt; i++ {
		if pos+2 > len(plaintext) {
			return nil, fmt.Errorf("extension %d truncated", i)
		}
		extLen := int(plaintext[pos+1])
		pos += 2 + extLen
	}

	if pos+1+2+32 > len(plaintext) {
		return nil, fmt.Errorf("truncated before ONION_KEY")
	}
	onionKeyType := plaintext[pos]
	pos++
	if onionKeyType != 0x01 {
		return nil, fmt.Errorf("unsupported ONION_KEY_TYPE %d", onionKeyType)
	}
	onionKeyLen := int(binary.BigEndian.Uint16(plaintext[pos:]))
	pos += 2
	if onionKeyLen != 32 || pos+32 > len(plaintext) {
		return nil, fmt.Errorf("invalid ONION_KEY_LEN %d", onionKeyLen)
	}
	copy(req.RendOnionKey[:], plaintext[pos:pos+32])
	pos += 32

	// Remaining bytes (up to the 246-byte pad boundary) are the rendezvous
	// point's link specifiers, already in EXTEND2-ready NSPEC-prefixed form.
	req.RendLinkSpecs = plaintext[pos:]
	return req, nil
}
