package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandtor/emberonion/directory"
	"github.com/sandtor/emberonion/kv"
	"github.com/sandtor/emberonion/link"
	"github.com/sandtor/emberonion/service"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	localAddr := flag.String("local", "127.0.0.1:8080", "host:port the onion service forwards connections to")
	storePath := flag.String("store", "hsd.sqlite", "path to the persistent key-value store")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Daphne Onion Service %s ===\n", Version)
	fmt.Println()

	store, err := kv.OpenSQLiteStore(*storePath)
	if err != nil {
		fmt.Printf("open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	identity, err := loadOrGenerateLinkIdentity(store)
	if err != nil {
		fmt.Printf("load link identity: %v\n", err)
		os.Exit(1)
	}

	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	consensusText := loadOrFetchConsensus(cache)
	keyCerts := loadOrFetchKeyCerts(cache, logger)
	consensus := validateAndParseConsensus(consensusText, keyCerts, cache, logger)
	populateMicrodescriptors(consensus, cache, logger)

	svc, err := service.Setup(service.Config{
		LocalAddr: *localAddr,
		Store:     store,
		Logger:    logger,
		RefreshConsensus: func() (*directory.Consensus, error) {
			return directory.Refresh(cache, keyCerts, logger)
		},
	}, consensus, identity)
	if err != nil {
		fmt.Printf("service setup: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nOnion service ready: %s\n", svc.Hostname())
	fmt.Printf("Forwarding connections to %s\n", *localAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		svc.Stop()
	}()

	if err := svc.Run(); err != nil {
		fmt.Printf("service run: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("hsd-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// loadOrGenerateLinkIdentity loads the persisted RSA1024 link identity from
// store, generating and persisting a fresh one on first run.
func loadOrGenerateLinkIdentity(store kv.Store) (*link.Identity, error) {
	keyDER, keyOK, err := store.Get(kv.KeyRSAIdentity)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	idCert, certOK, err := store.Get(kv.KeyRSAIdentityCert)
	if err != nil {
		return nil, fmt.Errorf("read identity cert: %w", err)
	}
	linkCert, linkOK, err := store.Get(kv.KeyRSALinkCert)
	if err != nil {
		return nil, fmt.Errorf("read link cert: %w", err)
	}

	if keyOK && certOK && linkOK {
		priv, err := x509.ParsePKCS1PrivateKey(keyDER)
		if err != nil {
			return nil, fmt.Errorf("parse persisted identity key: %w", err)
		}
		return &link.Identity{PrivateKey: priv, IdentityCert: idCert, LinkCert: linkCert}, nil
	}

	identity, err := link.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := store.Put(kv.KeyRSAIdentity, x509.MarshalPKCS1PrivateKey(identity.PrivateKey)); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	if err := store.Put(kv.KeyRSAIdentityCert, identity.IdentityCert); err != nil {
		return nil, fmt.Errorf("persist identity cert: %w", err)
	}
	if err := store.Put(kv.KeyRSALinkCert, identity.LinkCert); err != nil {
		return nil, fmt.Errorf("persist link cert: %w", err)
	}
	return identity, nil
}

func loadOrFetchConsensus(cache *directory.Cache) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	text, err := directory.FetchConsensus()
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	fmt.Println("Fetching microdescriptors...")
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	fmt.Printf("  %d relays with useful flags\n", len(usefulRelays))

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		fmt.Printf("  Loaded %d relays from microdescriptor cache\n", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	ntorCount := countNtorKeys(usefulRelays)
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	fmt.Printf("  Fetching microdescriptors for %d relays...\n", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}
}

func countNtorKeys(relays []directory.Relay) int {
	count := 0
	for _, r := range relays {
		if r.HasNtorKey {
			count++
		}
	}
	return count
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
