package directory

import (
	"fmt"
	"log/slog"
)

// Refresh re-fetches the consensus from the directory authorities, validates
// it, and repopulates relay microdescriptors — the same flow cmd/hsd runs at
// startup, exposed here so a running service can repeat it whenever its
// cached consensus passes fresh-until instead of quietly blinding against a
// stale snapshot forever.
func Refresh(cache *Cache, keyCerts []KeyCert, logger *slog.Logger) (*Consensus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	text, err := FetchConsensus()
	if err != nil {
		return nil, fmt.Errorf("fetch consensus: %w", err)
	}

	if err := ValidateSignatures(text, keyCerts); err != nil {
		return nil, fmt.Errorf("validate consensus signatures: %w", err)
	}

	consensus, err := ParseConsensus(text)
	if err != nil {
		return nil, fmt.Errorf("parse consensus: %w", err)
	}
	if err := ValidateFreshness(consensus); err != nil {
		return nil, err
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}

	var usefulRelays []Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	cache.LoadMicrodescriptors(usefulRelays)
	for _, addr := range DirAuthorities {
		if UpdateRelaysWithMicrodescriptors(addr, usefulRelays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed during refresh", "addr", addr)
	}
	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays

	return consensus, nil
}
