package onion

import (
	"time"

	"testing"

	"github.com/sandtor/emberonion/directory"
)

func TestSelectHSDirStorePlacementsWiderThanFetch(t *testing.T) {
	c := &directory.Consensus{
		ValidAfter:             time.Date(2020, 1, 1, 14, 0, 0, 0, time.UTC),
		SharedRandCurrentValue: make([]byte, 32),
	}
	for i := byte(0); i < 20; i++ {
		c.Relays = append(c.Relays, makeTestRelay(i, true))
	}

	var blindedKey [32]byte
	blindedKey[0] = 0x42

	targets, err := SelectHSDirStorePlacements(c, blindedKey, 16904, 1440, c.SharedRandCurrentValue)
	if err != nil {
		t.Fatalf("SelectHSDirStorePlacements: %v", err)
	}
	if len(targets) == 0 {
		t.Fatal("expected at least one placement target")
	}
	if len(targets) > hsdirNReplicas*hsdirSpreadStore {
		t.Fatalf("too many placements: %d", len(targets))
	}

	fetchResult, err := SelectHSDirs(c, blindedKey, 16904, 1440, c.SharedRandCurrentValue)
	if err != nil {
		t.Fatalf("SelectHSDirs: %v", err)
	}
	if len(targets) < len(fetchResult) {
		t.Fatalf("store placements (%d) should be at least as wide as fetch (%d)", len(targets), len(fetchResult))
	}
}

func TestSelectHSDirStorePlacementsFetchIsSubset(t *testing.T) {
	c := &directory.Consensus{
		ValidAfter:             time.Date(2020, 1, 1, 14, 0, 0, 0, time.UTC),
		SharedRandCurrentValue: make([]byte, 32),
	}
	for i := byte(0); i < 20; i++ {
		c.Relays = append(c.Relays, makeTestRelay(i, true))
	}

	var blindedKey [32]byte
	blindedKey[0] = 0x99

	targets, err := SelectHSDirStorePlacements(c, blindedKey, 16904, 1440, c.SharedRandCurrentValue)
	if err != nil {
		t.Fatalf("SelectHSDirStorePlacements: %v", err)
	}
	stored := make(map[byte]bool)
	for _, tg := range targets {
		stored[tg.Relay.Ed25519ID[0]] = true
	}

	fetchResult, err := SelectHSDirs(c, blindedKey, 16904, 1440, c.SharedRandCurrentValue)
	if err != nil {
		t.Fatalf("SelectHSDirs: %v", err)
	}
	for _, r := range fetchResult {
		if !stored[r.Ed25519ID[0]] {
			t.Fatalf("relay %d found by fetch but not among store placements", r.Ed25519ID[0])
		}
	}
}

func TestSelectHSDirStorePlacementsNoSRV(t *testing.T) {
	c := &directory.Consensus{}
	var blindedKey [32]byte
	_, err := SelectHSDirStorePlacements(c, blindedKey, 16904, 1440, nil)
	if err == nil {
		t.Fatal("expected error with no SRV")
	}
}

func TestSelectHSDirStorePlacementsNoHSDirs(t *testing.T) {
	c := &directory.Consensus{
		SharedRandCurrentValue: make([]byte, 32),
	}
	for i := byte(0); i < 5; i++ {
		c.Relays = append(c.Relays, makeTestRelay(i, false))
	}
	var blindedKey [32]byte
	_, err := SelectHSDirStorePlacements(c, blindedKey, 16904, 1440, c.SharedRandCurrentValue)
	if err == nil {
		t.Fatal("expected error with no HSDir relays")
	}
}
