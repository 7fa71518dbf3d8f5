package onion

import (
	"github.com/sandtor/emberonion/directory"
	"github.com/sandtor/emberonion/storage"
)

// hsdirSpreadStore is hsdir_spread_store from rend-spec-v3 §2.2.3: the
// number of HSDirs a service uploads each replica's descriptor to, wider
// than hsdirSpreadFetch so a client missing a few still finds one.
const hsdirSpreadStore = 4

// PlacementTarget names one HSDir a descriptor replica must be uploaded to.
type PlacementTarget struct {
	Relay   *directory.Relay
	Replica int64
}

// SelectHSDirStorePlacements computes where a service must upload each
// replica of its descriptor for a given time period, the store-side mirror
// of SelectHSDirs (which a client uses to decide where to fetch from). Both
// walk the same persistent hash ring (HSDirIndex) starting at the same
// hs_service_index; storage just walks further (hsdirSpreadStore instead of
// hsdirSpreadFetch) so that fetch's narrower window still lands on a relay
// that received an upload. This is a one-shot convenience wrapper; a
// publisher that uploads repeatedly against the same consensus should keep
// its own HSDirIndex and call Rebuild only when the consensus or SRV changes.
func SelectHSDirStorePlacements(consensus *directory.Consensus, blindedKey [32]byte, periodNum, periodLength int64, srv []byte) ([]PlacementTarget, error) {
	idx := NewHSDirIndex(storage.NewMemoryBlockStore())
	if err := idx.Rebuild(consensus, srv, periodNum, periodLength); err != nil {
		return nil, err
	}
	return idx.StorePlacements(blindedKey, periodNum, periodLength)
}
