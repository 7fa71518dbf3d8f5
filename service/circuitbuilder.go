package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandtor/emberonion/circuit"
	"github.com/sandtor/emberonion/descriptor"
	"github.com/sandtor/emberonion/directory"
	"github.com/sandtor/emberonion/link"
	"github.com/sandtor/emberonion/onion"
	"github.com/sandtor/emberonion/pathselect"
)

// circuitBuilder implements onion.CircuitBuilder for the service side: it
// builds 3-hop circuits to introduction points, rendezvous points and
// HSDirs, reusing a remembered guard across builds the way a long-lived
// service (unlike a one-shot client) needs to.
type circuitBuilder struct {
	consensus func() *directory.Consensus
	identity  *link.Identity
	logger    *slog.Logger

	mu    sync.Mutex
	guard *directory.Relay
}

func newCircuitBuilder(consensus func() *directory.Consensus, identity *link.Identity, logger *slog.Logger) *circuitBuilder {
	return &circuitBuilder{consensus: consensus, identity: identity, logger: logger}
}

func (cb *circuitBuilder) rememberedGuard() *directory.Relay {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.guard
}

func (cb *circuitBuilder) rememberGuard(g *directory.Relay) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.guard = g
}

// BuildCircuit implements onion.CircuitBuilder.
func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts: %w", lastErr)
}

func (cb *circuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	consensus := cb.consensus()

	var lastHopRelay *directory.Relay
	var guard, middle *directory.Relay

	if target != nil {
		exit, err := pathselect.SelectExit(consensus, nil)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		g, err := pathselect.SelectGuard(consensus, exit, cb.rememberedGuard())
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		m, err := pathselect.SelectMiddle(consensus, g, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		guard, middle = g, m
	} else {
		path, err := pathselect.SelectPath(consensus, cb.rememberedGuard())
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard, middle, lastHopRelay = &path.Guard, &path.Middle, &path.Exit
	}
	cb.rememberGuard(guard)

	l, err := link.Handshake(fmt.Sprintf("%s:%d", guard.Address, guard.ORPort), cb.identity, cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	guardInfo := relayInfoFromConsensus(guard)
	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	c, err := circuit.Create(l, guardInfo, cb.logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	middleInfo := relayInfoFromConsensus(middle)
	if err := c.Extend(middleInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	var lastHopInfo *descriptor.RelayInfo
	if target != nil {
		lastHopInfo = target
	} else {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(lastHopInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	cb.logger.Info("service circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: l,
		LastHop:    lastHopInfo,
	}, nil
}

// BuildGuardMiddleCircuit builds a 2-hop circuit to a guard and middle relay
// and leaves the last hop unextended, so a caller that needs to visit many
// distinct third hops in turn (the HSDir descriptor-upload path) can
// Extend/Truncate its own tail onto this shared base instead of paying for a
// fresh guard+middle handshake per third hop.
func (cb *circuitBuilder) BuildGuardMiddleCircuit() (*onion.BuiltCircuit, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildGuardMiddleCircuit()
		if err != nil {
			cb.logger.Warn("guard+middle circuit build attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build guard+middle circuit after 3 attempts: %w", lastErr)
}

func (cb *circuitBuilder) tryBuildGuardMiddleCircuit() (*onion.BuiltCircuit, error) {
	consensus := cb.consensus()

	path, err := pathselect.SelectPath(consensus, cb.rememberedGuard())
	if err != nil {
		return nil, fmt.Errorf("select path: %w", err)
	}
	cb.rememberGuard(&path.Guard)

	l, err := link.Handshake(fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), cb.identity, cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	guardInfo := relayInfoFromConsensus(&path.Guard)
	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	c, err := circuit.Create(l, guardInfo, cb.logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	middleInfo := relayInfoFromConsensus(&path.Middle)
	if err := c.Extend(middleInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	cb.logger.Info("guard+middle circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: l,
		LastHop:    middleInfo,
	}, nil
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}
