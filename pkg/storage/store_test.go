package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ccx404/ccbft/pkg/consensus"
)

func testBlock(h consensus.Height, b byte) consensus.Block {
	var hash consensus.Hash
	hash[0] = b
	return consensus.Block{
		Hash:    hash,
		Height:  h,
		Payload: []byte{b},
	}
}

func TestMemStoreCommitLog(t *testing.T) {
	s := NewMemStore()
	for i := consensus.Height(1); i <= 3; i++ {
		if err := s.Commit(testBlock(i, byte(i))); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	committed := s.Committed()
	if len(committed) != 3 {
		t.Fatalf("committed: got %d want 3", len(committed))
	}
	if b, ok := s.BlockAt(2); !ok || b.Height != 2 {
		t.Fatalf("block at 2: %+v ok=%v", b, ok)
	}
	if _, ok := s.Block(testBlock(1, 1).Hash); !ok {
		t.Fatalf("block by hash missing")
	}
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(filepath.Join(dir, "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	b := testBlock(7, 0xAB)
	b.Proposer[0] = 0x11
	if err := s.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, ok, err := s.Block(b.Hash)
	if err != nil || !ok {
		t.Fatalf("block by hash: ok=%v err=%v", ok, err)
	}
	if got.Height != 7 || got.Hash != b.Hash {
		t.Fatalf("block mismatch: %+v", got)
	}
	got, ok, err = s.BlockAt(7)
	if err != nil || !ok || got.Hash != b.Hash {
		t.Fatalf("block by height: %+v ok=%v err=%v", got, ok, err)
	}
	h, ok, err := s.CommittedHeight()
	if err != nil || !ok || h != 7 {
		t.Fatalf("committed height: %d ok=%v err=%v", h, ok, err)
	}
}

func TestPebbleStoreEvidence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(filepath.Join(dir, "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var v consensus.ValidatorID
	v[0] = 9
	rec := consensus.ByzantineRecord{
		Validator:  v,
		Kind:       consensus.ByzDoubleVoting,
		DetectedAt: time.Unix(123, 0).UTC(),
		Severity:   0.9,
		Evidence:   [][]byte{{1, 2}, {3, 4}},
	}
	if err := s.SaveEvidence(rec); err != nil {
		t.Fatalf("save evidence: %v", err)
	}
	if err := s.SaveEvidence(rec); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.Evidence()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("evidence count: got %d want 2", len(got))
	}
	if got[0].Validator != v || len(got[0].Evidence) != 2 {
		t.Fatalf("evidence mismatch: %+v", got[0])
	}
	s.Close()

	// sequence survives reopen
	s2, err := NewPebbleStore(filepath.Join(dir, "chain"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.SaveEvidence(rec); err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	got, err = s2.Evidence()
	if err != nil || len(got) != 3 {
		t.Fatalf("after reopen: got %d want 3 (err=%v)", len(got), err)
	}
}
