// Package ledger tracks consumed anti-replay nonces on behalf of the
// payment engine. The engine checks a nonce before settling and marks it
// after a successful settlement; implementations own the guarantee that at
// most one MarkUsed call per nonce ever succeeds, even when the
// check-settle-mark sequence of two requests interleaves across the
// settlement network call.
package ledger

import (
	"context"
	"errors"
	"sync"
)

// ErrNonceUsed is returned by MarkUsed when the nonce was already consumed.
var ErrNonceUsed = errors.New("ledger: nonce already used")

// Metadata records who spent a nonce and in which settlement transaction.
type Metadata struct {
	Sender          string
	TransactionHash string
}

// Ledger is the replay guard consumed by the payment engine.
//
// MarkUsed must be an atomic insert-if-absent: of two concurrent calls for
// the same nonce exactly one succeeds and the other returns ErrNonceUsed.
type Ledger interface {
	IsUsed(ctx context.Context, nonce string) (bool, error)
	MarkUsed(ctx context.Context, nonce string, meta Metadata) error
}

// Memory is a process-local Ledger backed by a mutex-guarded map. Suitable
// for tests and single-instance deployments without durability needs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Metadata
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Metadata)}
}

// IsUsed reports whether nonce has been marked.
func (m *Memory) IsUsed(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[nonce]
	return ok, nil
}

// MarkUsed records nonce, failing with ErrNonceUsed if already present.
func (m *Memory) MarkUsed(_ context.Context, nonce string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[nonce]; ok {
		return ErrNonceUsed
	}
	m.entries[nonce] = meta
	return nil
}

// Len reports how many nonces have been marked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
