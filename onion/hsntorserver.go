package onion

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// HsNtorServerIntroKeys derives the ENC_KEY/MAC_KEY an introduction point's
// service uses to decrypt and verify an INTRODUCE1 cell's encrypted body.
// It is the service-side mirror of HsNtorClientHandshake: the client used
// EXP(B,x); the service computes the same point as EXP(X,b).
//
//   - serviceEncPriv/serviceEncPub: the service's enc-key ntor keypair (b, B).
//   - authKey: the introduction point auth key (same value the client used).
//   - clientX: the client's ephemeral public key, from the INTRODUCE1 header.
func HsNtorServerIntroKeys(serviceEncPriv, serviceEncPub [32]byte, authKey []byte, clientX [32]byte, subcredential [32]byte) (encKey, macKey [32]byte, err error) {
	expBx, err := curve25519.X25519(serviceEncPriv[:], clientX[:])
	if err != nil {
		return encKey, macKey, fmt.Errorf("curve25519 DH: %w", err)
	}
	if isAllZeros(expBx) {
		return encKey, macKey, fmt.Errorf("EXP(X,b) produced all-zeros point")
	}

	introSecret := buildIntroSecretInput(expBx, authKey, clientX[:], serviceEncPub[:])
	info := append(append([]byte{}, mHsexpand...), subcredential[:]...)

	kdfInput := make([]byte, 0, len(introSecret)+len(tHsenc)+len(info))
	kdfInput = append(kdfInput, introSecret...)
	kdfInput = append(kdfInput, tHsenc...)
	kdfInput = append(kdfInput, info...)

	keys := make([]byte, sKeyLen+macKeyLen)
	shake := sha3.NewShake256()
	shake.Write(kdfInput)
	shake.Read(keys)
	copy(encKey[:], keys[:sKeyLen])
	copy(macKey[:], keys[sKeyLen:])
	return encKey, macKey, nil
}

// HsNtorServerRendezvous completes the service side of the hs-ntor handshake
// when building RENDEZVOUS1: it generates a fresh ephemeral keypair (y, Y),
// computes the shared secrets the client will compute as EXP(Y,x)/EXP(B,x),
// and returns Y, AUTH (to place in RENDEZVOUS1), and the expanded circuit
// keys for the service's side of the virtual rendezvous hop.
//
// Circuit key directions are the mirror of the client's: what the client
// calls "forward" (client→service) is what the service receives, so Kf/Df
// here are swapped relative to HsNtorExpandKeys' client-oriented naming.
func HsNtorServerRendezvous(serviceEncPriv, serviceEncPub [32]byte, authKey []byte, clientX [32]byte, subcredential [32]byte) (serverY [32]byte, auth [32]byte, keys RendezvousKeys, err error) {
	var y [32]byte
	if _, err = rand.Read(y[:]); err != nil {
		return serverY, auth, keys, fmt.Errorf("generate ephemeral key: %w", err)
	}
	YBytes, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return serverY, auth, keys, fmt.Errorf("curve25519 basepoint mult: %w", err)
	}
	copy(serverY[:], YBytes)

	expYx, err := curve25519.X25519(y[:], clientX[:])
	if err != nil {
		return serverY, auth, keys, fmt.Errorf("EXP(X,y): %w", err)
	}
	if isAllZeros(expYx) {
		return serverY, auth, keys, fmt.Errorf("EXP(X,y) produced all-zeros point")
	}
	expBx, err := curve25519.X25519(serviceEncPriv[:], clientX[:])
	if err != nil {
		return serverY, auth, keys, fmt.Errorf("EXP(X,b): %w", err)
	}
	if isAllZeros(expBx) {
		return serverY, auth, keys, fmt.Errorf("EXP(X,b) produced all-zeros point")
	}

	rendSecret := buildRendSecretInput(expYx, expBx, authKey, serviceEncPub[:], clientX[:], serverY[:])

	ntorKeySeed := hsMAC(rendSecret, tHsenc)
	verify := hsMAC(rendSecret, tHsverify)

	authInput := make([]byte, 0, len(verify)+len(authKey)+32+32+32+len(hsNtorProtoid)+6)
	authInput = append(authInput, verify...)
	authInput = append(authInput, authKey...)
	authInput = append(authInput, serviceEncPub[:]...)
	authInput = append(authInput, serverY[:]...)
	authInput = append(authInput, clientX[:]...)
	authInput = append(authInput, []byte(hsNtorProtoid)...)
	authInput = append(authInput, []byte("Server")...)

	copy(auth[:], hsMAC(authInput, tHsmac))

	cdf, cdb, ckf, ckb := HsNtorExpandKeys(ntorKeySeed)
	// Swap: the client's "forward" (Df/Kf) is the service's "backward" and vice versa.
	keys = RendezvousKeys{Df: cdb, Db: cdf, Kf: ckb, Kb: ckf}

	clear(y[:])
	return serverY, auth, keys, nil
}

