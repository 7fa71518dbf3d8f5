package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"log/slog"

	"github.com/sandtor/emberonion/circuit"
	"github.com/sandtor/emberonion/descriptor"
)

// CompleteIntroduction builds a circuit to the rendezvous point named in an
// Introduce2Request, sends RENDEZVOUS1, and attaches the virtual onion-hop
// crypto to that circuit. It is the service-side mirror of
// ConnectOnionService's rendezvous half: the client sent ESTABLISH_RENDEZVOUS
// and is now waiting on RENDEZVOUS2; this builds the matching circuit and
// completes the handshake from the other end.
func CompleteIntroduction(req *Introduce2Request, builder CircuitBuilder, logger *slog.Logger) (*circuit.Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	specs, err := ParseLinkSpecifiers(req.RendLinkSpecs)
	if err != nil {
		return nil, fmt.Errorf("parse rendezvous point link specifiers: %w", err)
	}

	rendInfo := &descriptor.RelayInfo{
		NodeID:       specs.Identity,
		NtorOnionKey: req.RendOnionKey,
		Address:      specs.Address,
		ORPort:       specs.ORPort,
	}

	built, err := builder.BuildCircuit(rendInfo)
	if err != nil {
		return nil, fmt.Errorf("build rendezvous circuit: %w", err)
	}

	payload := make([]byte, 0, 20+32+32)
	payload = append(payload, req.RendCookie[:]...)
	payload = append(payload, req.RendY[:]...)
	payload = append(payload, req.RendAuth[:]...)

	if err := built.Circuit.SendRelay(circuit.RelayRendezvous1, 0, payload); err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("send RENDEZVOUS1: %w", err)
	}

	hop, err := initServiceOnionHop(&req.ServiceKeys)
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("init onion hop: %w", err)
	}
	built.Circuit.AddHop(hop)

	logger.Info("rendezvous completed, virtual hop attached", "circID", fmt.Sprintf("0x%08x", built.Circuit.ID))
	return built.Circuit, nil
}

// initServiceOnionHop mirrors initOnionHop in connect.go, using the
// service-oriented (already-swapped) RendezvousKeys from HsNtorServerRendezvous.
func initServiceOnionHop(keys *RendezvousKeys) (*circuit.Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(keys.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-256-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(keys.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-256-CTR backward: %w", err)
	}

	dfHash, dbHash := NewRendezvousDigests(keys.Df, keys.Db)

	return circuit.NewHop(
		cipher.NewCTR(fwdBlock, zeroIV),
		cipher.NewCTR(bwdBlock, zeroIV),
		dfHash,
		dbHash,
	), nil
}
