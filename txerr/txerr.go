// Package txerr classifies errors by propagation policy: transport errors
// retry the link, protocol errors tear down the circuit, crypto and replay
// errors drop the cell silently, directory errors fall back to cache.
package txerr

import (
	"errors"
	"fmt"
)

// Kind is the propagation class of an error.
type Kind int

const (
	// Transport covers TCP/TLS dial, read, and write failures.
	Transport Kind = iota
	// Protocol covers malformed cells, unexpected commands, and state-machine violations.
	Protocol
	// Crypto covers signature, MAC, and handshake verification failures.
	Crypto
	// Directory covers consensus/microdescriptor fetch and validation failures.
	Directory
	// Resource covers allocation and capacity exhaustion (circuit IDs, RELAY_EARLY budget).
	Resource
	// Replay covers duplicate rendezvous cookies and stale descriptor revisions.
	Replay
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Crypto:
		return "crypto"
	case Directory:
		return "directory"
	case Resource:
		return "resource"
	case Replay:
		return "replay"
	default:
		return "unknown"
	}
}

// kindError pairs a Kind with an underlying error so callers can branch with
// errors.Is/As without parsing message text.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	k, ok := target.(*kindError)
	return ok && k.kind == e.kind
}

// New wraps err with a propagation Kind.
func New(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	for {
		if errors.As(err, &ke) {
			if ke.kind == kind {
				return true
			}
			err = ke.err
			continue
		}
		return false
	}
}

// Sentinels for the conditions spec.md §7 calls out by name.
var (
	ErrReplay         = New(Replay, "rendezvous cookie already seen")
	ErrStaleRevision  = New(Replay, "descriptor revision counter did not advance")
	ErrCircuitBudget  = New(Resource, "RELAY_EARLY budget exhausted")
	ErrConsensusStale = New(Directory, "consensus past fresh-until and could not be refreshed")
)
