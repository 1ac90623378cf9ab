// Package ledger describes the host environment the registry executes in.
// The host supplies persistent key-value storage with a renewable
// time-to-live, the identities that authorized the current call, a
// monotonic ledger clock and a diagnostic log sink. An Env bundles those
// collaborators for exactly one call; the host decides whether the writes
// made through it are committed or discarded.
package ledger

import (
	"errors"
	"fmt"

	"dvpn.mini/dvr/internal/types"
)

// ErrUnauthorized is returned when the call lacks a required signature.
var ErrUnauthorized = errors.New("unauthorized")

// Key addresses one entry in ledger storage.
type Key string

// Storage is the persistent key-value store visible to a call. Reads
// observe writes made earlier in the same call.
type Storage interface {
	// Get decodes the value under key into out. It reports false and
	// leaves out untouched when the key is absent.
	Get(key Key, out any) (bool, error)
	Set(key Key, value any) error
	// ExtendTTL renews the storage lifetime to extendTo ledger sequences
	// when fewer than threshold remain.
	ExtendTTL(threshold, extendTo uint32) error
}

// Info is the ledger clock at the time of the call.
type Info struct {
	Sequence  uint32 `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
}

// Fields carries structured context for a diagnostic entry.
type Fields map[string]any

// Event is one diagnostic log entry. Events are informational only.
type Event struct {
	Sequence  uint32 `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

// Sink receives diagnostic events.
type Sink interface {
	Emit(Event)
}

// Env is the per-call view of the host.
type Env struct {
	storage Storage
	info    Info
	sink    Sink
	signers map[types.Address]struct{}
}

// NewEnv creates an Env for a call authorized by signers. sink may be nil.
func NewEnv(storage Storage, info Info, sink Sink, signers ...types.Address) *Env {
	set := make(map[types.Address]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	return &Env{
		storage: storage,
		info:    info,
		sink:    sink,
		signers: set,
	}
}

// Storage returns the call's storage.
func (e *Env) Storage() Storage {
	return e.storage
}

// Ledger returns the ledger clock.
func (e *Env) Ledger() Info {
	return e.info
}

// RequireAuth fails unless addr signed the current call.
func (e *Env) RequireAuth(addr types.Address) error {
	if _, ok := e.signers[addr]; !ok {
		return fmt.Errorf("%w: missing signature from %s", ErrUnauthorized, addr)
	}
	return nil
}

// Log emits a diagnostic entry. It never fails.
func (e *Env) Log(msg string, fields Fields) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(Event{
		Sequence:  e.info.Sequence,
		Timestamp: e.info.Timestamp,
		Message:   msg,
		Fields:    fields,
	})
}
