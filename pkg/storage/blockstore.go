package storage

import (
	"sync"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// MemStore is the in-memory commit log used by tests and single-node dev.
type MemStore struct {
	mu        sync.Mutex
	byHash    map[consensus.Hash]consensus.Block
	byHeight  map[consensus.Height]consensus.Hash
	committed []consensus.Block
	evidence  []consensus.ByzantineRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		byHash:   make(map[consensus.Hash]consensus.Block),
		byHeight: make(map[consensus.Height]consensus.Hash),
	}
}

func (s *MemStore) Commit(b consensus.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[b.Hash] = b
	s.byHeight[b.Height] = b.Hash
	s.committed = append(s.committed, b)
	return nil
}

var _ consensus.BlockCommitter = (*MemStore)(nil)

func (s *MemStore) Block(h consensus.Hash) (consensus.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[h]
	return b, ok
}

func (s *MemStore) BlockAt(height consensus.Height) (consensus.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byHeight[height]
	if !ok {
		return consensus.Block{}, false
	}
	return s.byHash[h], true
}

// Committed returns the commit log in commit order.
func (s *MemStore) Committed() []consensus.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]consensus.Block, len(s.committed))
	copy(out, s.committed)
	return out
}

func (s *MemStore) SaveEvidence(rec consensus.ByzantineRecord) error {
	s.mu.Lock()
	s.evidence = append(s.evidence, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Evidence() []consensus.ByzantineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]consensus.ByzantineRecord, len(s.evidence))
	copy(out, s.evidence)
	return out
}
