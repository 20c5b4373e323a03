// file: pkg/consensus/votes.go
package consensus

import "sync"

// VoteSet accumulates stake for one block hash in one (view, round, phase).
type VoteSet struct {
	BlockHash        Hash
	Votes            map[ValidatorID]Vote
	Stake            uint64
	ThresholdReached bool
	AggregateSig     []byte
}

// AddOutcome reports what Add did with a vote.
type AddOutcome uint8

const (
	VoteAdded AddOutcome = iota
	VoteDuplicate
	VoteEquivocation
	VoteIgnored
)

type roundKey struct {
	view  View
	round Round
}

// voteBucket holds the three parallel accumulators for one (view, round).
// Each bucket has its own lock, so votes for different rounds never contend.
type voteBucket struct {
	mu sync.Mutex
	// per phase-tag, per subject hash
	sets map[VoteTag]map[Hash]*VoteSet
	// first hash seen per voter per phase-tag; conflicting second votes are
	// equivocations and never accumulate
	seen map[VoteTag]map[ValidatorID]Hash
}

func newVoteBucket() *voteBucket {
	return &voteBucket{
		sets: make(map[VoteTag]map[Hash]*VoteSet),
		seen: make(map[VoteTag]map[ValidatorID]Hash),
	}
}

// Tracker is the stake-weighted vote accumulator. Stake lookups go through
// the registry so set mutations are reflected immediately.
type Tracker struct {
	mu        sync.RWMutex
	buckets   map[roundKey]*voteBucket
	registry  *Registry
	aggregate func(sigs [][]byte) ([]byte, error) // nil when aggregation is off
}

func NewTracker(reg *Registry) *Tracker {
	return &Tracker{
		buckets:  make(map[roundKey]*voteBucket),
		registry: reg,
	}
}

// EnableAggregation stores the aggregator used to collapse same-subject
// signatures. Per-voter presence is still tracked for quorum accounting.
func (t *Tracker) EnableAggregation(fn func(sigs [][]byte) ([]byte, error)) {
	t.mu.Lock()
	t.aggregate = fn
	t.mu.Unlock()
}

func (t *Tracker) bucket(view View, round Round) *voteBucket {
	key := roundKey{view, round}
	t.mu.RLock()
	b, ok := t.buckets[key]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.buckets[key]; ok {
		return b
	}
	b = newVoteBucket()
	t.buckets[key] = b
	return b
}

// Add records a vote. Re-delivery of the same vote is a no-op. A second vote
// by the same voter for a different hash in the same slot is reported as an
// equivocation and the first vote is retained; the second never accumulates.
func (t *Tracker) Add(v Vote) AddOutcome {
	switch v.Kind.Tag {
	case TagPreVote, TagPreCommit, TagCommit:
	default:
		return VoteIgnored
	}
	stake, ok := t.registry.Stake(v.Voter)
	if !ok {
		return VoteIgnored
	}

	b := t.bucket(v.View, v.Round)
	b.mu.Lock()
	defer b.mu.Unlock()

	seen, ok := b.seen[v.Kind.Tag]
	if !ok {
		seen = make(map[ValidatorID]Hash)
		b.seen[v.Kind.Tag] = seen
	}
	if prev, voted := seen[v.Voter]; voted {
		if prev == v.BlockHash {
			return VoteDuplicate
		}
		return VoteEquivocation
	}
	seen[v.Voter] = v.BlockHash

	sets, ok := b.sets[v.Kind.Tag]
	if !ok {
		sets = make(map[Hash]*VoteSet)
		b.sets[v.Kind.Tag] = sets
	}
	set, ok := sets[v.BlockHash]
	if !ok {
		set = &VoteSet{BlockHash: v.BlockHash, Votes: make(map[ValidatorID]Vote)}
		sets[v.BlockHash] = set
	}
	set.Votes[v.Voter] = v
	set.Stake += stake

	t.mu.RLock()
	agg := t.aggregate
	t.mu.RUnlock()
	if agg != nil {
		sigs := make([][]byte, 0, len(set.Votes))
		for _, vt := range set.Votes {
			sigs = append(sigs, vt.Signature)
		}
		if combined, err := agg(sigs); err == nil {
			set.AggregateSig = combined
		}
	}
	return VoteAdded
}

// StakeFor returns the accumulated stake behind one block hash.
func (t *Tracker) StakeFor(tag VoteTag, view View, round Round, h Hash) uint64 {
	b := t.bucket(view, round)
	b.mu.Lock()
	defer b.mu.Unlock()
	if sets, ok := b.sets[tag]; ok {
		if set, ok := sets[h]; ok {
			return set.Stake
		}
	}
	return 0
}

// ThresholdReached is true iff some single block hash has accumulated stake
// at or above the threshold. Stake split across hashes never counts.
func (t *Tracker) ThresholdReached(tag VoteTag, view View, round Round, threshold uint64) (Hash, bool) {
	b := t.bucket(view, round)
	b.mu.Lock()
	defer b.mu.Unlock()
	sets, ok := b.sets[tag]
	if !ok {
		return Hash{}, false
	}
	for h, set := range sets {
		if set.Stake >= threshold {
			set.ThresholdReached = true
			return h, true
		}
	}
	return Hash{}, false
}

// Set returns a copy of the vote set for (tag, view, round, hash).
func (t *Tracker) Set(tag VoteTag, view View, round Round, h Hash) (VoteSet, bool) {
	b := t.bucket(view, round)
	b.mu.Lock()
	defer b.mu.Unlock()
	sets, ok := b.sets[tag]
	if !ok {
		return VoteSet{}, false
	}
	set, ok := sets[h]
	if !ok {
		return VoteSet{}, false
	}
	cp := VoteSet{
		BlockHash:        set.BlockHash,
		Votes:            make(map[ValidatorID]Vote, len(set.Votes)),
		Stake:            set.Stake,
		ThresholdReached: set.ThresholdReached,
		AggregateSig:     set.AggregateSig,
	}
	for id, v := range set.Votes {
		cp.Votes[id] = v
	}
	return cp, true
}

// VoteCount returns per-phase vote counts for one (view, round).
func (t *Tracker) VoteCount(view View, round Round) (preVotes, preCommits, commits int) {
	b := t.bucket(view, round)
	b.mu.Lock()
	defer b.mu.Unlock()
	count := func(tag VoteTag) int {
		n := 0
		for _, set := range b.sets[tag] {
			n += len(set.Votes)
		}
		return n
	}
	return count(TagPreVote), count(TagPreCommit), count(TagCommit)
}

// ClearRound drops all accumulators for (view, round).
func (t *Tracker) ClearRound(view View, round Round) {
	t.mu.Lock()
	delete(t.buckets, roundKey{view, round})
	t.mu.Unlock()
}

// Clear drops every bucket.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.buckets = make(map[roundKey]*voteBucket)
	t.mu.Unlock()
}
