package service

import (
	"fmt"
	"time"

	"github.com/sandtor/emberonion/txerr"
)

// Run brings the service up: establishes introduction circuits, publishes
// the initial descriptor, and starts the background timers (keepalive,
// descriptor republish, consensus refresh) that keep it alive until Stop is
// called. It blocks until Stop is called; the loss of every introduction
// circuit alone does not make it return, since the timer loop keeps running.
func (s *Service) Run() error {
	if _, err := s.rotateDescriptorState(); err != nil {
		return err
	}

	intro, err := s.buildIntroCircuits()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.intro = intro
	s.mu.Unlock()

	for _, ic := range intro {
		s.wg.Add(1)
		go s.serveIntroCircuit(ic)
	}

	if err := s.publishDescriptor(); err != nil {
		s.cfg.Logger.Warn("initial descriptor publish failed", "error", err)
	}

	s.wg.Add(1)
	go s.timerLoop()

	s.wg.Wait()
	return nil
}

// Stop signals the background timer loop and every introduction circuit
// reader to exit, and tears down the current introduction circuits.
func (s *Service) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	for _, ic := range s.intro {
		_ = ic.circ.Destroy()
		_ = ic.linker.Close()
	}
	s.intro = nil
	s.mu.Unlock()
}

// timerLoop drives the three periodic maintenance actions a running service
// needs: circuit keepalive pings, descriptor republication, and rebuilding
// introduction points when the blinding time period rotates.
func (s *Service) timerLoop() {
	defer s.wg.Done()

	keepalive := time.NewTicker(keepaliveInterval)
	republish := time.NewTicker(republishInterval)
	consensusCheck := time.NewTicker(consensusRefreshTick)
	defer keepalive.Stop()
	defer republish.Stop()
	defer consensusCheck.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-keepalive.C:
			s.mu.Lock()
			for _, ic := range s.intro {
				if err := ic.circ.Keepalive(); err != nil {
					s.cfg.Logger.Warn("keepalive failed", "error", err)
				}
			}
			s.mu.Unlock()
		case <-republish.C:
			if err := s.publishDescriptor(); err != nil {
				s.cfg.Logger.Warn("descriptor republish failed", "error", err)
			}
		case <-consensusCheck.C:
			s.refreshConsensusIfStale()

			rotated, err := s.rotateDescriptorState()
			if err != nil {
				s.cfg.Logger.Warn("time period rotation failed", "error", err)
				continue
			}
			if !rotated {
				continue
			}
			s.cfg.Logger.Info("time period rotated, rebuilding introduction points")
			s.rebuildIntroPoints()
		}
	}
}

// refreshConsensusIfStale re-fetches the consensus once the cached copy has
// passed fresh-until, per rend-spec-v3's requirement that a long-lived
// relay-selecting client not keep operating on an aged consensus just
// because it happens to still be within valid-until. If the cached copy has
// also passed valid-until and no replacement can be fetched, the failure is
// logged as txerr.Directory so an operator can tell staleness from an
// ordinary transient fetch error.
func (s *Service) refreshConsensusIfStale() {
	consensus := s.getConsensus()
	now := time.Now().UTC()
	if now.Before(consensus.FreshUntil) {
		return
	}
	if s.cfg.RefreshConsensus == nil {
		if now.After(consensus.ValidUntil) {
			s.cfg.Logger.Warn("consensus past valid-until, no refresh source configured", "error", txerr.ErrConsensusStale)
		}
		return
	}

	fresh, err := s.cfg.RefreshConsensus()
	if err != nil {
		if now.After(consensus.ValidUntil) {
			s.cfg.Logger.Warn("consensus refresh failed past valid-until",
				"error", fmt.Errorf("%w: %v", txerr.ErrConsensusStale, err))
		} else {
			s.cfg.Logger.Warn("consensus refresh failed, continuing on cached copy", "error", err)
		}
		return
	}

	s.setConsensus(fresh)
	s.cfg.Logger.Info("consensus refreshed", "relays", len(fresh.Relays), "fresh_until", fresh.FreshUntil)
}

// rebuildIntroPoints tears down the current introduction circuits and
// builds a fresh set, then republishes the descriptor that references them.
func (s *Service) rebuildIntroPoints() {
	s.mu.Lock()
	old := s.intro
	s.mu.Unlock()

	fresh, err := s.buildIntroCircuits()
	if err != nil {
		s.cfg.Logger.Warn("rebuild introduction points failed", "error", err)
		return
	}

	s.mu.Lock()
	s.intro = fresh
	s.mu.Unlock()

	for _, ic := range fresh {
		s.wg.Add(1)
		go s.serveIntroCircuit(ic)
	}

	for _, ic := range old {
		_ = ic.circ.Destroy()
		_ = ic.linker.Close()
	}

	if err := s.publishDescriptor(); err != nil {
		s.cfg.Logger.Warn("post-rotation descriptor publish failed", "error", err)
	}
}
