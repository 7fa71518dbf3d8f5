// Package service implements the onion-service side of the protocol: picking
// introduction points, publishing descriptors, and bridging rendezvoused
// circuits to a local TCP listener. cmd/hsd wires it to a persistent kv
// store and a directory consensus.
package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/sandtor/emberonion/circuit"
	"github.com/sandtor/emberonion/directory"
	"github.com/sandtor/emberonion/kv"
	"github.com/sandtor/emberonion/link"
	"github.com/sandtor/emberonion/onion"
)

const (
	numIntroPoints       = 3
	descriptorLifetime   = 3 * 60 * 60 // seconds, rend-spec-v3 default
	signingCertLifetime  = 54          // hours
	keepaliveInterval    = 60 * time.Second
	republishInterval    = 60 * time.Minute
	consensusRefreshTick = 30 * time.Minute
	rendCookieCacheSize  = 1024
)

// Config is the information a caller must supply to stand up a service.
type Config struct {
	LocalAddr string // host:port the rendezvoused stream is bridged to
	Store     kv.Store
	Logger    *slog.Logger
	// RefreshConsensus re-fetches, validates, and re-parses the consensus,
	// returning a fresh snapshot. Called from the timer loop whenever the
	// cached consensus has passed fresh-until. If nil, the service runs
	// forever on the consensus it was given at Setup, same as before it
	// tracked fresh-until at all.
	RefreshConsensus func() (*directory.Consensus, error)
}

// introCircuit is one established introduction-point circuit: the circuit
// itself, the per-circuit auth keypair a client's INTRODUCE1 must reference,
// and the relay it was built to.
type introCircuit struct {
	circ    *circuit.Circuit
	linker  interface{ Close() error }
	authKey *onion.EstablishIntroKeypair
	point   string // rendered introduction-point descriptor stanza
}

// Service is a running v3 onion service: one long-term Ed25519 identity,
// a handful of introduction circuits, and a background loop that rebuilds
// them, republishes descriptors, and bridges rendezvoused streams to a
// local TCP listener.
type Service struct {
	cfg Config

	identity       ed25519.PrivateKey
	encPriv        [32]byte
	encPub         [32]byte
	hostname       string
	getConsensus   func() *directory.Consensus
	setConsensus   func(*directory.Consensus)
	builder        *circuitBuilder
	linkIdentity   *link.Identity
	revisionCtr    uint64

	mu    sync.Mutex
	intro []*introCircuit

	descMu     sync.Mutex
	desc       *descriptorState
	prevSubcred [32]byte
	havePrev   bool

	rendSeen *rendCookieCache

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Setup loads or generates the service's long-term identity, derives its
// .onion hostname, and prepares (without yet publishing) a Service bound to
// consensus. This is the "setup_hidden_service" step: after Setup returns,
// call Run to build introduction circuits and start serving.
func Setup(cfg Config, consensus *directory.Consensus, linkIdentity *link.Identity) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	seed, err := loadOrGenerateSeed(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("load identity seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	encPriv, encPub, err := loadOrGenerateEncKeypair(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("load enc keypair: %w", err)
	}

	var pubkey [32]byte
	copy(pubkey[:], priv.Public().(ed25519.PublicKey))
	hostname := onion.EncodeOnion(pubkey)

	if err := cfg.Store.Put(kv.KeyOnionHostname, []byte(hostname)); err != nil {
		cfg.Logger.Warn("persist hostname failed", "error", err)
	}

	var consensusMu sync.Mutex
	current := consensus
	getConsensus := func() *directory.Consensus {
		consensusMu.Lock()
		defer consensusMu.Unlock()
		return current
	}
	setConsensus := func(c *directory.Consensus) {
		consensusMu.Lock()
		defer consensusMu.Unlock()
		current = c
	}

	svc := &Service{
		cfg:          cfg,
		identity:     priv,
		encPriv:      encPriv,
		encPub:       encPub,
		hostname:     hostname,
		getConsensus: getConsensus,
		setConsensus: setConsensus,
		linkIdentity: linkIdentity,
		rendSeen:     newRendCookieCache(rendCookieCacheSize),
		stopCh:       make(chan struct{}),
	}
	svc.builder = newCircuitBuilder(getConsensus, linkIdentity, cfg.Logger)

	cfg.Logger.Info("onion service identity ready", "hostname", hostname+".onion")
	return svc, nil
}

// Hostname returns the service's .onion address including the suffix.
func (s *Service) Hostname() string {
	return s.hostname + ".onion"
}

// UpdateConsensus swaps in a freshly fetched consensus for future circuit
// builds and descriptor publication.
func (s *Service) UpdateConsensus(c *directory.Consensus) {
	s.setConsensus(c)
}

func loadOrGenerateSeed(store kv.Store) ([]byte, error) {
	existing, ok, err := store.Get(kv.KeyEd25519Seed)
	if err != nil {
		return nil, err
	}
	if ok && len(existing) == ed25519.SeedSize {
		return existing, nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 identity: %w", err)
	}
	seed := priv.Seed()
	if err := store.Put(kv.KeyEd25519Seed, seed); err != nil {
		return nil, fmt.Errorf("persist ed25519 seed: %w", err)
	}
	return seed, nil
}

// loadOrGenerateEncKeypair loads or generates the service's x25519
// encryption keypair (the "enc-key" clients ntor-handshake against in
// INTRODUCE1/INTRODUCE2), distinct from the long-term Ed25519 signing
// identity. It is persisted and reused across restarts; it is not tied to the
// blinding schedule.
func loadOrGenerateEncKeypair(store kv.Store) (priv, pub [32]byte, err error) {
	existing, ok, err := store.Get(kv.KeyX25519EncKey)
	if err != nil {
		return priv, pub, err
	}
	if ok && len(existing) == 32 {
		copy(priv[:], existing)
	} else {
		if _, err = rand.Read(priv[:]); err != nil {
			return priv, pub, fmt.Errorf("generate x25519 enc key: %w", err)
		}
		if err = store.Put(kv.KeyX25519EncKey, priv[:]); err != nil {
			return priv, pub, fmt.Errorf("persist x25519 enc key: %w", err)
		}
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}
