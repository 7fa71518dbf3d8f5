package onion

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// EstablishIntroKeypair is the per-introduction-point Ed25519 keypair a
// service generates fresh for each introduction circuit (the AUTH_KEY used
// throughout ESTABLISH_INTRO/INTRODUCE1/INTRODUCE2).
type EstablishIntroKeypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewEstablishIntroKeypair generates a fresh per-circuit intro auth keypair.
func NewEstablishIntroKeypair() (*EstablishIntroKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate intro auth keypair: %w", err)
	}
	return &EstablishIntroKeypair{Public: pub, Private: priv}, nil
}

// BuildESTABLISHINTRO builds the ESTABLISH_INTRO relay cell payload per
// rend-spec-v3 §3.1.2: AUTH_KEY_TYPE | AUTH_KEY_LEN | AUTH_KEY |
// N_EXTENSIONS(0) | HANDSHAKE_AUTH(32) | SIG_LEN | SIG. HANDSHAKE_AUTH binds
// the cell to this specific circuit by MACing the circuit's backward digest
// seed (the introduction point is the only party besides the service that
// knows it); SIG is the service's per-circuit Ed25519 signature over
// everything preceding it, proving the service — not just whoever is
// holding the circuit — authorized this AUTH_KEY.
func BuildESTABLISHINTRO(kp *EstablishIntroKeypair, circuitKeyMaterial []byte) ([]byte, error) {
	body := make([]byte, 0, 1+2+32+1)
	body = append(body, 0x02) // AUTH_KEY_TYPE = Ed25519
	var keyLenBuf [2]byte
	binary.BigEndian.PutUint16(keyLenBuf[:], uint16(len(kp.Public)))
	body = append(body, keyLenBuf[:]...)
	body = append(body, kp.Public...)
	body = append(body, 0x00) // N_EXTENSIONS = 0

	handshakeAuth := hsMAC(circuitKeyMaterial, []byte("establish-intro-handshake-auth"))
	body = append(body, handshakeAuth...)

	sig := ed25519.Sign(kp.Private, body)

	var sigLenBuf [2]byte
	binary.BigEndian.PutUint16(sigLenBuf[:], uint16(len(sig)))

	payload := make([]byte, 0, len(body)+2+len(sig))
	payload = append(payload, body...)
	payload = append(payload, sigLenBuf[:]...)
	payload = append(payload, sig...)
	return payload, nil
}

// VerifyINTRODUCEACK checks the status code of an INTRODUCE_ACK cell body
// (a 2-byte big-endian status per rend-spec-v3 §3.3). Status 0 is success.
func VerifyINTRODUCEACK(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("INTRODUCE_ACK too short: %d bytes", len(body))
	}
	status := binary.BigEndian.Uint16(body[:2])
	if status != 0 {
		return fmt.Errorf("introduction point rejected ESTABLISH_INTRO: status %d", status)
	}
	return nil
}
