// file: pkg/consensus/pipeline.go
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/ccx404/ccbft/pkg/util"
)

// PipelineStage is one of the four processing stages a height moves through.
type PipelineStage uint8

const (
	StageValidation PipelineStage = iota
	StagePreVoting
	StageCommitting
	StageFinalizing
)

func (s PipelineStage) String() string {
	switch s {
	case StageValidation:
		return "validation"
	case StagePreVoting:
		return "pre_voting"
	case StageCommitting:
		return "committing"
	case StageFinalizing:
		return "finalizing"
	}
	return "unknown"
}

type pipelineSlot struct {
	height    Height
	stage     PipelineStage
	startedAt time.Time
	block     *Block
}

// Scheduler bounds how many consecutive heights are in flight and enforces
// that commits surface strictly ascending by height: a later height waits
// in Finalizing until every earlier height has been handed to the committer.
type Scheduler struct {
	mu          sync.Mutex
	clock       util.Clock
	maxParallel int
	slots       map[Height]*pipelineSlot
	nextCommit  Height
	pending     map[Height]Block // finalize-ready blocks waiting on order

	blocksDone uint64
	busyTime   time.Duration
	lastCommit time.Time
}

// NewScheduler with maxParallel of 1 disables pipelining: a single height is
// in flight at a time.
func NewScheduler(maxParallel int, firstHeight Height, clock util.Clock) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{
		clock:       clock,
		maxParallel: maxParallel,
		slots:       make(map[Height]*pipelineSlot),
		pending:     make(map[Height]Block),
		nextCommit:  firstHeight,
	}
}

// Align moves the commit cursor forward when nothing is in flight; used
// when consensus starts at a height beyond the last committed one.
func (s *Scheduler) Align(first Height) {
	s.mu.Lock()
	if len(s.slots) == 0 && len(s.pending) == 0 && first > s.nextCommit {
		s.nextCommit = first
	}
	s.mu.Unlock()
}

// Open claims a slot for a height. Returns false when the pipeline is full
// or the height is already open.
func (s *Scheduler) Open(h Height) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[h]; ok {
		return false
	}
	if len(s.slots) >= s.maxParallel {
		return false
	}
	s.slots[h] = &pipelineSlot{height: h, stage: StageValidation, startedAt: s.clock.Now()}
	return true
}

// Advance moves a height to a later stage. Stages never move backwards.
func (s *Scheduler) Advance(h Height, stage PipelineStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[h]; ok && stage > slot.stage {
		slot.stage = stage
	}
}

// Finalize hands a quorate block to commit in strict height order. Blocks
// for later heights are parked until their predecessors finalize; one call
// may therefore surface several queued commits. The committed blocks are
// returned in commit order. commit runs without the scheduler lock held.
func (s *Scheduler) Finalize(h Height, b Block, commit func(Block) error) ([]Block, error) {
	s.mu.Lock()
	if slot, ok := s.slots[h]; ok {
		slot.stage = StageFinalizing
		slot.block = &b
	}
	s.pending[h] = b

	var ready []Block
	for {
		blk, ok := s.pending[s.nextCommit]
		if !ok {
			break
		}
		ready = append(ready, blk)
		delete(s.pending, s.nextCommit)
		if slot, ok := s.slots[s.nextCommit]; ok {
			s.busyTime += s.clock.Now().Sub(slot.startedAt)
			delete(s.slots, s.nextCommit)
		}
		s.blocksDone++
		s.lastCommit = s.clock.Now()
		s.nextCommit++
	}
	s.mu.Unlock()

	var done []Block
	for _, blk := range ready {
		if err := commit(blk); err != nil {
			return done, fmt.Errorf("finalize height %d: %w", blk.Height, err)
		}
		done = append(done, blk)
	}
	return done, nil
}

// Abandon releases a slot without committing (view change threw the height
// back to Prepare, or shutdown).
func (s *Scheduler) Abandon(h Height) {
	s.mu.Lock()
	delete(s.slots, h)
	delete(s.pending, h)
	s.mu.Unlock()
}

// Utilization is active_slots / max_parallel.
func (s *Scheduler) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.slots)) / float64(s.maxParallel)
}

func (s *Scheduler) ActiveSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Scheduler) MaxParallel() int { return s.maxParallel }

// Stage reports the stage a height currently occupies.
func (s *Scheduler) Stage(h Height) (PipelineStage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[h]; ok {
		return slot.stage, true
	}
	return 0, false
}
