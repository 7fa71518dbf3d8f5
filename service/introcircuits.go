package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/sandtor/emberonion/circuit"
	"github.com/sandtor/emberonion/onion"
	"github.com/sandtor/emberonion/txerr"
)

// buildIntroCircuits builds a fresh set of up to numIntroPoints introduction
// circuits, each with its own per-circuit Ed25519 auth keypair and
// ESTABLISH_INTRO handshake. It does not touch existing introduction
// circuits; rebuildIntroPoints and Stop tear those down.
func (s *Service) buildIntroCircuits() ([]*introCircuit, error) {
	var fresh []*introCircuit
	for i := 0; i < numIntroPoints; i++ {
		ic, err := s.buildOneIntroCircuit()
		if err != nil {
			s.cfg.Logger.Warn("introduction circuit setup failed", "index", i, "error", err)
			continue
		}
		fresh = append(fresh, ic)
	}
	if len(fresh) == 0 {
		return nil, fmt.Errorf("failed to establish any introduction points")
	}
	return fresh, nil
}

func (s *Service) buildOneIntroCircuit() (*introCircuit, error) {
	built, err := s.builder.BuildCircuit(nil)
	if err != nil {
		return nil, fmt.Errorf("build intro circuit: %w", err)
	}

	kp, err := onion.NewEstablishIntroKeypair()
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("generate intro auth keypair: %w", err)
	}

	payload, err := onion.BuildESTABLISHINTRO(kp, built.Circuit.BackwardDigest())
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("build ESTABLISH_INTRO: %w", err)
	}

	if err := built.Circuit.SendRelay(circuit.RelayEstablishIntro, 0, payload); err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("send ESTABLISH_INTRO: %w", err)
	}

	_, relayCmd, _, ackData, err := built.Circuit.ReceiveRelay()
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("receive INTRO_ESTABLISHED: %w", err)
	}
	if relayCmd != circuit.RelayIntroEstablished {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("expected INTRO_ESTABLISHED (38), got %d", relayCmd)
	}
	_ = ackData

	linkSpecs, err := onion.BuildRendLinkSpecs(
		built.LastHop.NodeID,
		built.LastHop.Address,
		built.LastHop.ORPort,
		[32]byte{},
	)
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("build intro point link specs: %w", err)
	}

	authCert, err := signEstablishIntroAuthCert(s.currentBlindedSigning(), kp)
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("sign intro auth-key cert: %w", err)
	}

	encCert, err := signEstablishIntroEncCert(s.currentBlindedSigning(), s.encPub)
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, fmt.Errorf("sign intro enc-key cert: %w", err)
	}

	point := onion.BuildIntroPointBlock(linkSpecs, built.LastHop.NtorOnionKey, authCert, s.encPub, encCert)

	s.cfg.Logger.Info("introduction point established", "circID", fmt.Sprintf("0x%08x", built.Circuit.ID))

	return &introCircuit{
		circ:    built.Circuit,
		linker:  built.LinkCloser,
		authKey: kp,
		point:   point,
	}, nil
}

// serveIntroCircuit reads INTRODUCE1 cells off an established introduction
// circuit until it errors or the service is stopped, completing the
// rendezvous handshake and bridging the resulting stream for each one.
func (s *Service) serveIntroCircuit(ic *introCircuit) {
	defer s.wg.Done()
	defer func() { _ = ic.linker.Close() }()

	for {
		_, relayCmd, _, body, err := ic.circ.ReceiveRelay()
		if err != nil {
			s.cfg.Logger.Warn("introduction circuit closed", "error", err)
			return
		}
		if relayCmd != circuit.RelayIntroduce2 {
			continue
		}

		s.cfg.Logger.Info("INTRODUCE2 received")
		go s.handleIntroduce2(ic, body)

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func (s *Service) handleIntroduce2(ic *introCircuit, body []byte) {
	req, err := onion.ParseINTRODUCE2(body, s.encPriv, s.encPub, ic.authKey.Public, s.currentSubcredential())
	if err != nil {
		prev, ok := s.previousSubcredential()
		if !ok {
			s.cfg.Logger.Warn("INTRODUCE2 rejected", "error", err)
			return
		}
		req, err = onion.ParseINTRODUCE2(body, s.encPriv, s.encPub, ic.authKey.Public, prev)
		if err != nil {
			s.cfg.Logger.Warn("INTRODUCE2 rejected against current and previous subcredential", "error", err)
			return
		}
	}

	if s.rendSeen.seenBefore(req.RendCookie) {
		s.cfg.Logger.Warn("INTRODUCE2 replay suppressed", "error", txerr.ErrReplay)
		return
	}

	rendCirc, err := onion.CompleteIntroduction(req, s.builder, s.cfg.Logger)
	if err != nil {
		s.cfg.Logger.Warn("rendezvous completion failed", "error", err)
		return
	}

	s.bridgeStream(rendCirc)
}

func signEstablishIntroAuthCert(blinded *onion.BlindedSigningKey, kp *onion.EstablishIntroKeypair) ([]byte, error) {
	return onion.SignDescriptorSigningCert(blinded, kp.Public, signingCertLifetime)
}

func signEstablishIntroEncCert(blinded *onion.BlindedSigningKey, encPub [32]byte) ([]byte, error) {
	// enc-key-cert binds the x25519 enc-key to the identity the same way the
	// auth-key cert does; rend-spec-v3 stores the raw key bytes as the
	// "certified key" even though the cert's own signature scheme is Ed25519.
	return onion.SignDescriptorSigningCert(blinded, ed25519.PublicKey(encPub[:]), signingCertLifetime)
}
