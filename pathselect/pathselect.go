package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/sandtor/emberonion/directory"
)

// Path represents a selected guard → middle → exit path.
type Path struct {
	Guard  directory.Relay
	Middle directory.Relay
	Exit   directory.Relay
}

// Suitable reports whether a relay can take any position in a circuit at
// all: fast, running, valid in the current consensus, and carrying an ntor
// onion key. Individual positions layer additional constraints on top.
func Suitable(r *directory.Relay) bool {
	return r.Flags.Fast && r.Flags.Running && r.Flags.Valid && r.HasNtorKey
}

// SelectPath selects a 3-hop path from the consensus using uniform random
// selection over the suitable set for each position, rather than Tor's
// bandwidth-weighted algorithm — appropriate for a single embedded service
// that doesn't need to carry its fair share of network load. rememberedGuard,
// if non-nil and still suitable, is reused instead of picking a new one, so a
// service doesn't burn a fresh guard relay on every circuit build.
func SelectPath(consensus *directory.Consensus, rememberedGuard *directory.Relay) (*Path, error) {
	exit, err := SelectExit(consensus, nil)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := SelectGuard(consensus, exit, rememberedGuard)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := SelectMiddle(consensus, guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: *guard, Middle: *middle, Exit: *exit}, nil
}

// SelectExit selects uniformly among suitable relays carrying the Exit flag
// and not BadExit. The relay whose identity is *exclude, if exclude is
// non-nil, is skipped.
func SelectExit(consensus *directory.Consensus, exclude *[20]byte) (*directory.Relay, error) {
	var candidates []directory.Relay
	for _, r := range consensus.Relays {
		if !Suitable(&r) || !r.Flags.Exit || r.Flags.BadExit {
			continue
		}
		if exclude != nil && r.Identity == *exclude {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}
	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectGuard picks a suitable guard relay not sharing a /16 with the exit.
// If rememberedGuard is non-nil and still present and suitable in consensus,
// it is returned unchanged instead of sampling a new one.
func SelectGuard(consensus *directory.Consensus, exit *directory.Relay, rememberedGuard *directory.Relay) (*directory.Relay, error) {
	if rememberedGuard != nil {
		for i := range consensus.Relays {
			r := &consensus.Relays[i]
			if r.Identity == rememberedGuard.Identity && Suitable(r) && r.Flags.Guard {
				return r, nil
			}
		}
	}

	var candidates []directory.Relay
	exitSubnet := subnet16(exit.Address)

	for _, r := range consensus.Relays {
		if !Suitable(&r) || !r.Flags.Guard {
			continue
		}
		if subnet16(r.Address) == exitSubnet {
			continue
		}
		if r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}
	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectMiddle picks a suitable relay not sharing a /16 with the guard or exit.
func SelectMiddle(consensus *directory.Consensus, guard, exit *directory.Relay) (*directory.Relay, error) {
	var candidates []directory.Relay
	guardSubnet := subnet16(guard.Address)
	exitSubnet := subnet16(exit.Address)

	for _, r := range consensus.Relays {
		if !Suitable(&r) {
			continue
		}
		s := subnet16(r.Address)
		if s == guardSubnet || s == exitSubnet {
			continue
		}
		if r.Identity == guard.Identity || r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}
	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// uniformRandom picks an index in [0, n) using crypto/rand.
func uniformRandom(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("n must be positive")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(v.Int64()), nil
}
