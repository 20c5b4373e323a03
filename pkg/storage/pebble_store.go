package storage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// PebbleStore is the durable commit log plus the equivocation-evidence
// archive. It implements consensus.BlockCommitter, so wiring it into the
// engine makes every finalized block hit disk before the height advances.
type PebbleStore struct {
	db          *pebble.DB
	evidenceSeq atomic.Uint64
}

// keys: b:<32-byte-hash>, h:<8-byte-height>, cm (latest committed height),
// e:<8-byte-seq> (evidence records)
func kBlock(h consensus.Hash) []byte    { return append([]byte("b:"), h[:]...) }
func kHeight(h consensus.Height) []byte { return append([]byte("h:"), heightKey(h)...) }
func kCommitted() []byte                { return []byte("cm") }
func kEvidence(seq uint64) []byte       { return append([]byte("e:"), heightKey(consensus.Height(seq))...) }

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db}
	s.evidenceSeq.Store(s.scanEvidenceSeq())
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) scanEvidenceSeq() uint64 {
	prefix := []byte("e:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("e;"),
	})
	if err != nil {
		return 0
	}
	defer iter.Close()
	var n uint64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n
}

// Commit durably applies a finalized block: body by hash, height index, and
// the latest-committed marker, all synced.
func (s *PebbleStore) Commit(b consensus.Block) error {
	val, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	batch := s.db.NewBatch()
	if err := batch.Set(kBlock(b.Hash), val, nil); err != nil {
		return err
	}
	if err := batch.Set(kHeight(b.Height), b.Hash[:], nil); err != nil {
		return err
	}
	if err := batch.Set(kCommitted(), heightKey(b.Height), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

var _ consensus.BlockCommitter = (*PebbleStore)(nil)

func (s *PebbleStore) Block(h consensus.Hash) (consensus.Block, bool, error) {
	val, closer, err := s.db.Get(kBlock(h))
	if err == pebble.ErrNotFound {
		return consensus.Block{}, false, nil
	}
	if err != nil {
		return consensus.Block{}, false, err
	}
	defer closer.Close()
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		return consensus.Block{}, false, err
	}
	return out, true, nil
}

func (s *PebbleStore) BlockAt(height consensus.Height) (consensus.Block, bool, error) {
	val, closer, err := s.db.Get(kHeight(height))
	if err == pebble.ErrNotFound {
		return consensus.Block{}, false, nil
	}
	if err != nil {
		return consensus.Block{}, false, err
	}
	var hash consensus.Hash
	copy(hash[:], val)
	closer.Close()
	return s.Block(hash)
}

func (s *PebbleStore) CommittedHeight() (consensus.Height, bool, error) {
	val, closer, err := s.db.Get(kCommitted())
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return consensus.Height(binary.BigEndian.Uint64(val)), true, nil
}

// SaveEvidence archives a Byzantine record for slashing enforcement. The
// record keeps both conflicting signed messages verbatim.
func (s *PebbleStore) SaveEvidence(rec consensus.ByzantineRecord) error {
	val, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	seq := s.evidenceSeq.Add(1) - 1
	return s.db.Set(kEvidence(seq), val, pebble.Sync)
}

// Evidence returns every archived record in insertion order.
func (s *PebbleStore) Evidence() ([]consensus.ByzantineRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("e:"),
		UpperBound: []byte("e;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []consensus.ByzantineRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec consensus.ByzantineRecord
		if err := decodeGob(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
