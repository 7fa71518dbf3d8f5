package onion

import "testing"

func TestBuildRendLinkSpecsParsesBack(t *testing.T) {
	var identity [20]byte
	copy(identity[:], "relay-identity-20by!")
	var ed25519ID [32]byte
	copy(ed25519ID[:], "relay-ed25519-identity-key-32by!")

	specs, err := BuildRendLinkSpecs(identity, "203.0.113.5", 9001, ed25519ID)
	if err != nil {
		t.Fatalf("BuildRendLinkSpecs: %v", err)
	}

	parsed, err := ParseLinkSpecifiers(specs)
	if err != nil {
		t.Fatalf("ParseLinkSpecifiers: %v", err)
	}
	if parsed.Address != "203.0.113.5" {
		t.Fatalf("Address = %q, want 203.0.113.5", parsed.Address)
	}
	if parsed.ORPort != 9001 {
		t.Fatalf("ORPort = %d, want 9001", parsed.ORPort)
	}
	if parsed.Identity != identity {
		t.Fatalf("Identity mismatch: got %x, want %x", parsed.Identity, identity)
	}
}

func TestBuildRendLinkSpecsWithoutEd25519ID(t *testing.T) {
	var identity [20]byte
	copy(identity[:], "relay-identity-20by!")

	specs, err := BuildRendLinkSpecs(identity, "198.51.100.7", 443, [32]byte{})
	if err != nil {
		t.Fatalf("BuildRendLinkSpecs: %v", err)
	}
	if specs[0] != 2 {
		t.Fatalf("NSPEC = %d, want 2 when no ed25519 identity given", specs[0])
	}
}

func TestBuildRendLinkSpecsRejectsNonIPv4(t *testing.T) {
	var identity [20]byte
	_, err := BuildRendLinkSpecs(identity, "not-an-ip", 9001, [32]byte{})
	if err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestInitServiceOnionHopProducesWorkingHop(t *testing.T) {
	keys := &RendezvousKeys{}
	copy(keys.Kf[:], "forward-cipher-key-32-bytes-long")
	copy(keys.Kb[:], "backward-cipher-key-32-byteslong")
	copy(keys.Df[:], "forward-digest-seed-32-byteslong")
	copy(keys.Db[:], "backward-digest-seed-32-byteslon")

	hop, err := initServiceOnionHop(keys)
	if err != nil {
		t.Fatalf("initServiceOnionHop: %v", err)
	}
	if hop == nil {
		t.Fatal("expected non-nil hop")
	}
}
