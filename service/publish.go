package service

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/sandtor/emberonion/onion"
)

// descriptorState is the per-time-period material a service needs to build
// and publish its descriptor: the blinded signing key, the descriptor's own
// short-term signing keypair, and the subcredential clients will derive
// independently to decrypt it.
type descriptorState struct {
	mu            sync.Mutex
	periodNum     int64
	periodLength  int64
	blindedKey    [32]byte
	blindedSign   *onion.BlindedSigningKey
	signingPub    ed25519.PublicKey
	signingCert   []byte
	subcredential [32]byte
}

func (s *Service) currentBlindedSigning() *onion.BlindedSigningKey {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	return s.desc.blindedSign
}

func (s *Service) currentSubcredential() [32]byte {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	return s.desc.subcredential
}

// previousSubcredential returns the subcredential from the time period
// before the current one, and whether one has been recorded yet. A client
// that fetched the not-yet-rotated descriptor can still build a valid
// INTRODUCE1 against it for a while after the service itself rotates, so
// handleIntroduce2 falls back to this before giving up.
func (s *Service) previousSubcredential() ([32]byte, bool) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	return s.prevSubcred, s.havePrev
}

// rotateDescriptorState recomputes blinding for the consensus's current time
// period if it has changed since the last rotation, generating a fresh
// short-term signing keypair and cert. Returns true if the period rotated
// (meaning introduction circuits and the descriptor must be rebuilt).
func (s *Service) rotateDescriptorState() (bool, error) {
	consensus := s.getConsensus()
	periodLength := int64(1440)
	periodNum := onion.TimePeriodFromConsensus(consensus)

	s.descMu.Lock()
	if s.desc != nil && s.desc.periodNum == periodNum {
		s.descMu.Unlock()
		return false, nil
	}
	s.descMu.Unlock()

	var pubkey [32]byte
	copy(pubkey[:], s.identity.Public().(ed25519.PublicKey))

	blindedKey, err := onion.BlindPublicKey(pubkey, periodNum, periodLength)
	if err != nil {
		return false, fmt.Errorf("blind public key: %w", err)
	}
	blindedSign, err := onion.BlindPrivateKey(s.identity, periodNum, periodLength)
	if err != nil {
		return false, fmt.Errorf("blind private key: %w", err)
	}
	subcred := onion.Subcredential(pubkey, blindedKey)

	signingPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		return false, fmt.Errorf("generate descriptor signing key: %w", err)
	}
	signingCert, err := onion.SignDescriptorSigningCert(blindedSign, signingPub, signingCertLifetime)
	if err != nil {
		return false, fmt.Errorf("sign descriptor signing cert: %w", err)
	}

	s.descMu.Lock()
	if s.desc != nil {
		s.prevSubcred = s.desc.subcredential
		s.havePrev = true
	}
	s.desc = &descriptorState{
		periodNum:     periodNum,
		periodLength:  periodLength,
		blindedKey:    blindedKey,
		blindedSign:   blindedSign,
		signingPub:    signingPub,
		signingCert:   signingCert,
		subcredential: subcred,
	}
	s.descMu.Unlock()

	return true, nil
}

// publishDescriptor renders the current descriptor from the service's live
// introduction circuits and uploads it to every HSDir responsible for
// storing it this time period.
func (s *Service) publishDescriptor() error {
	s.mu.Lock()
	points := make([]string, 0, len(s.intro))
	for _, ic := range s.intro {
		points = append(points, ic.point)
	}
	s.mu.Unlock()

	if len(points) == 0 {
		return fmt.Errorf("no introduction points to publish")
	}

	s.descMu.Lock()
	d := s.desc
	s.descMu.Unlock()
	if d == nil {
		return fmt.Errorf("descriptor state not initialized")
	}

	s.revisionCtr++
	text, err := onion.BuildDescriptor(points, d.blindedKey, d.subcredential, s.revisionCtr, descriptorLifetime, d.blindedSign, d.signingCert)
	if err != nil {
		return fmt.Errorf("build descriptor: %w", err)
	}

	consensus := s.getConsensus()
	srv, err := onion.GetSRVForClient(consensus)
	if err != nil {
		return fmt.Errorf("get SRV: %w", err)
	}

	placements, err := onion.SelectHSDirStorePlacements(consensus, d.blindedKey, d.periodNum, d.periodLength, srv)
	if err != nil {
		return fmt.Errorf("select HSDir placements: %w", err)
	}

	var lastErr error
	uploaded := 0

	// One 3-hop circuit is reused across every placement: the guard+middle
	// base is built once, and each upload TRUNCATEs back to that base and
	// EXTEND2s to the next HSDir, instead of paying for a fresh guard
	// handshake per placement.
	var built *onion.BuiltCircuit
	closeCircuit := func() {
		if built != nil {
			_ = built.LinkCloser.Close()
			built = nil
		}
	}
	defer closeCircuit()

	for _, p := range placements {
		if built == nil {
			b, err := s.builder.BuildGuardMiddleCircuit()
			if err != nil {
				lastErr = err
				s.cfg.Logger.Warn("HSDir circuit build failed", "hsdir", p.Relay.Nickname, "error", err)
				continue
			}
			built = b
		} else {
			if err := built.Circuit.Truncate(2); err != nil {
				lastErr = err
				s.cfg.Logger.Warn("HSDir circuit truncate failed", "error", err)
				closeCircuit()
				continue
			}
		}

		if err := built.Circuit.Extend(relayInfoFromConsensus(p.Relay), s.cfg.Logger); err != nil {
			lastErr = err
			s.cfg.Logger.Warn("HSDir circuit extend failed", "hsdir", p.Relay.Nickname, "error", err)
			closeCircuit()
			continue
		}

		if err := onion.UploadDescriptorViaCircuit(built.Circuit, text); err != nil {
			lastErr = err
			s.cfg.Logger.Warn("descriptor upload failed", "hsdir", p.Relay.Nickname, "error", err)
			closeCircuit()
			continue
		}
		uploaded++
	}

	if uploaded == 0 {
		return fmt.Errorf("descriptor upload failed on every HSDir: %w", lastErr)
	}
	s.cfg.Logger.Info("descriptor published", "hsdirs", uploaded, "of", len(placements))
	return nil
}
