package service

import (
	"time"

	"github.com/sandtor/emberonion/directory"
)

// freshConsensus returns a minimal consensus with a valid-after timestamp
// and a shared random value, enough to drive time-period and SRV logic.
func freshConsensus() *directory.Consensus {
	return &directory.Consensus{
		ValidAfter:             time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC),
		SharedRandCurrentValue: make([]byte, 32),
	}
}
