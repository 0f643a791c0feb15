// Package settle caches and resolves per-holder settlement token accounts.
// Cached entries are revalidated against the ledger before reuse and evicted
// when validation fails; creations are confirmed by re-reading the account
// before the mapping is persisted.
package settle

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Store persists the (owner, mint) -> settlement account mapping across
// process restarts. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, bool, error)
	Put(ctx context.Context, owner, mint, account solana.PublicKey) error
	Delete(ctx context.Context, owner, mint solana.PublicKey) error
}

// MemoryStore is a process-local Store. Useful for tests and for deployments
// that accept re-deriving accounts after a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[memoryKey]solana.PublicKey
}

type memoryKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoryKey]solana.PublicKey)}
}

func (s *MemoryStore) Get(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.entries[memoryKey{owner: owner, mint: mint}]
	return account, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, owner, mint, account solana.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memoryKey{owner: owner, mint: mint}] = account
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, owner, mint solana.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey{owner: owner, mint: mint})
	return nil
}
