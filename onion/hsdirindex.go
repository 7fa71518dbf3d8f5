package onion

import (
	"fmt"

	"github.com/sandtor/emberonion/directory"
	"github.com/sandtor/emberonion/storage"
)

// HSDirIndex is the persistent hash ring a service walks to place (store
// side) or fetch (client side) descriptor replicas against. It replaces an
// in-memory sort.Slice ring rebuilt from scratch on every call with a
// storage.Tree that can be kept resident on a PagedBlockStore across the
// process lifetime, per spec's HsDirIndex component.
type HSDirIndex struct {
	tree       *storage.Tree
	byIdentity map[[32]byte]*directory.Relay
}

// NewHSDirIndex wraps a block store with an empty hash ring. Call Rebuild
// before the first Fetch/StorePlacements, and again whenever the consensus
// or the shared-random value changes.
func NewHSDirIndex(store storage.PagedBlockStore) *HSDirIndex {
	return &HSDirIndex{tree: storage.NewTree(store, 0)}
}

// Rebuild clears the ring and reinserts every HSDir-flagged relay keyed by
// its hs_relay_index for the given period, per rend-spec-v3 §2.2.3. The
// index only ever grows-then-clears wholesale; nodes are never removed one
// at a time, since a consensus refresh always replaces the whole relay set.
func (x *HSDirIndex) Rebuild(consensus *directory.Consensus, srv []byte, periodNum, periodLength int64) error {
	if len(srv) == 0 {
		return fmt.Errorf("no shared random value available")
	}
	if err := x.tree.Clear(); err != nil {
		return fmt.Errorf("clear hsdir index: %w", err)
	}

	byIdentity := make(map[[32]byte]*directory.Relay)
	for i := range consensus.Relays {
		r := &consensus.Relays[i]
		if !r.Flags.HSDir || !r.Flags.Running || !r.Flags.Valid || !r.HasEd25519 {
			continue
		}
		idx := relayIndex(r.Ed25519ID[:], srv, periodNum, periodLength)
		if err := x.tree.Insert(idx, r.Ed25519ID[:]); err != nil {
			return fmt.Errorf("insert hsdir ring entry: %w", err)
		}
		byIdentity[r.Ed25519ID] = r
	}
	if len(byIdentity) == 0 {
		return fmt.Errorf("no HSDir relays in consensus")
	}
	x.byIdentity = byIdentity
	return nil
}

// walk starts at the ring successor of start and returns up to width
// distinct relays, wrapping around the ring when it runs past the largest
// key.
func (x *HSDirIndex) walk(start [32]byte, width int) ([]*directory.Relay, error) {
	key, value, ok, err := x.tree.Nearest(start)
	if err != nil {
		return nil, err
	}
	if !ok {
		key, value, ok, err = x.tree.Smallest()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("hsdir ring is empty")
		}
	}

	seen := make(map[[32]byte]bool)
	var out []*directory.Relay
	for len(out) < width && len(seen) < len(x.byIdentity) {
		var id [32]byte
		copy(id[:], value)
		if r, ok := x.byIdentity[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, r)
		}
		nk, nv, nok, nerr := x.tree.Next(key)
		if nerr != nil {
			return nil, nerr
		}
		if !nok {
			nk, nv, nok, nerr = x.tree.Smallest()
			if nerr != nil {
				return nil, nerr
			}
			if !nok {
				break
			}
		}
		key, value = nk, nv
	}
	return out, nil
}

// Fetch returns the HSDirs a client should query for each replica, the
// narrow hsdir_spread_fetch window.
func (x *HSDirIndex) Fetch(blindedKey [32]byte, periodNum, periodLength int64) ([]*directory.Relay, error) {
	var result []*directory.Relay
	for replica := int64(1); replica <= hsdirNReplicas; replica++ {
		svcIdx := serviceIndex(blindedKey, replica, periodLength, periodNum)
		relays, err := x.walk(svcIdx, hsdirSpreadFetch)
		if err != nil {
			return nil, err
		}
		result = append(result, relays...)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no HSDirs selected")
	}
	return result, nil
}

// StorePlacements returns where a service must upload each descriptor
// replica, the wider hsdir_spread_store window.
func (x *HSDirIndex) StorePlacements(blindedKey [32]byte, periodNum, periodLength int64) ([]PlacementTarget, error) {
	var targets []PlacementTarget
	for replica := int64(1); replica <= hsdirNReplicas; replica++ {
		svcIdx := serviceIndex(blindedKey, replica, periodLength, periodNum)
		relays, err := x.walk(svcIdx, hsdirSpreadStore)
		if err != nil {
			return nil, err
		}
		for _, r := range relays {
			targets = append(targets, PlacementTarget{Relay: r, Replica: replica})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no HSDir placements computed")
	}
	return targets, nil
}
