package onion

import (
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genCurve25519Keypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub
}

func TestHsNtorServerIntroKeysMatchClient(t *testing.T) {
	servicePriv, servicePub := genCurve25519Keypair(t)
	authKey := []byte("introduction-point-auth-key-3210")
	var subcred [32]byte
	copy(subcred[:], "subcredential-for-this-period!!!")

	clientState, clientEnc, clientMac, err := HsNtorClientHandshake(servicePub, authKey, subcred)
	if err != nil {
		t.Fatalf("HsNtorClientHandshake: %v", err)
	}

	serverEnc, serverMac, err := HsNtorServerIntroKeys(servicePriv, servicePub, authKey, clientState.X, subcred)
	if err != nil {
		t.Fatalf("HsNtorServerIntroKeys: %v", err)
	}

	if clientEnc != serverEnc {
		t.Fatalf("enc key mismatch: client %x, server %x", clientEnc, serverEnc)
	}
	if clientMac != serverMac {
		t.Fatalf("mac key mismatch: client %x, server %x", clientMac, serverMac)
	}
}

func TestHsNtorServerRendezvousRoundTrip(t *testing.T) {
	servicePriv, servicePub := genCurve25519Keypair(t)
	authKey := []byte("introduction-point-auth-key-3210")
	var subcred [32]byte
	copy(subcred[:], "subcredential-for-this-period!!!")

	clientState, _, _, err := HsNtorClientHandshake(servicePub, authKey, subcred)
	if err != nil {
		t.Fatalf("HsNtorClientHandshake: %v", err)
	}

	serverY, auth, serverKeys, err := HsNtorServerRendezvous(servicePriv, servicePub, authKey, clientState.X, subcred)
	if err != nil {
		t.Fatalf("HsNtorServerRendezvous: %v", err)
	}

	ntorKeySeed, err := HsNtorClientCompleteHandshake(clientState, serverY, auth)
	if err != nil {
		t.Fatalf("HsNtorClientCompleteHandshake: %v", err)
	}

	df, db, kf, kb := HsNtorExpandKeys(ntorKeySeed)
	clientKeys := RendezvousKeys{Df: df, Db: db, Kf: kf, Kb: kb}

	// The service computes the same seed from the opposite side, so its
	// forward/backward labels are swapped relative to the client's.
	if clientKeys.Df != serverKeys.Db || clientKeys.Db != serverKeys.Df {
		t.Fatal("digest keys do not match across client/service (swap mismatch)")
	}
	if clientKeys.Kf != serverKeys.Kb || clientKeys.Kb != serverKeys.Kf {
		t.Fatal("cipher keys do not match across client/service (swap mismatch)")
	}
}

func TestHsNtorServerRendezvousBadAuthRejected(t *testing.T) {
	servicePriv, servicePub := genCurve25519Keypair(t)
	authKey := []byte("introduction-point-auth-key-3210")
	var subcred [32]byte

	clientState, _, _, err := HsNtorClientHandshake(servicePub, authKey, subcred)
	if err != nil {
		t.Fatalf("HsNtorClientHandshake: %v", err)
	}

	serverY, auth, _, err := HsNtorServerRendezvous(servicePriv, servicePub, authKey, clientState.X, subcred)
	if err != nil {
		t.Fatalf("HsNtorServerRendezvous: %v", err)
	}
	auth[0] ^= 0xFF

	if _, err := HsNtorClientCompleteHandshake(clientState, serverY, auth); err == nil {
		t.Fatal("expected AUTH verification failure")
	}
}
