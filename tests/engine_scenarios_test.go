// file: tests/engine_scenarios_test.go
//
// End-to-end consensus scenarios over the in-memory cluster.
package tests

import (
	"errors"
	"testing"
	"time"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// Happy path: four equal validators, one height, one block.
func TestHappyPathFourValidators(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = produceOnlyAt(n.provider, 1)
	}

	c.openHeight(1)
	c.settle()

	leader := c.leaderFor(1, 0)
	var committedHash consensus.Hash
	for _, n := range c.nodes {
		st := n.engine.Status()
		if st.Height != 2 || st.View != 0 || st.Round != 0 {
			t.Fatalf("node %d: state (%d,%d,%d), want (2,0,0)", n.idx, st.Height, st.View, st.Round)
		}
		if st.Phase != consensus.PhasePrepare {
			t.Fatalf("node %d: phase %s, want prepare", n.idx, st.Phase)
		}
		if st.Metrics.BlocksProcessed != 1 {
			t.Fatalf("node %d: blocks processed %d, want 1", n.idx, st.Metrics.BlocksProcessed)
		}
		committed := n.store.Committed()
		if len(committed) != 1 {
			t.Fatalf("node %d: %d committed blocks, want 1", n.idx, len(committed))
		}
		if committed[0].Proposer != leader.id {
			t.Fatalf("node %d: committed proposer %s, want leader %s", n.idx, committed[0].Proposer, leader.id)
		}
		if n.idx == 0 {
			committedHash = committed[0].Hash
		} else if committed[0].Hash != committedHash {
			t.Fatalf("safety violation: node %d committed %s, node 0 committed %s",
				n.idx, committed[0].Hash, committedHash)
		}
	}
}

// Silent leader: the proposal timeout fires on every node, a view-change
// quorum forms, the next leader proposes, and the height still commits.
func TestSilentLeaderOneViewChange(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())

	silent := c.leaderFor(5, 0)
	next := c.leaderFor(5, 1)
	if silent == next {
		t.Fatalf("test setup: rotation must move the leader")
	}
	for _, n := range c.nodes {
		if n == silent {
			n.produce = nil
		} else {
			n.produce = produceOnlyAt(n.provider, 5)
		}
	}

	c.openHeight(5)
	c.settle()
	for _, n := range c.nodes {
		if got := n.engine.Status().Height; got != 5 {
			t.Fatalf("node %d advanced without a proposal: height %d", n.idx, got)
		}
	}

	c.clock.Advance(1001 * time.Millisecond)
	c.checkTimeouts()
	c.settle()

	for _, n := range c.nodes {
		st := n.engine.Status()
		if st.Height != 6 {
			t.Fatalf("node %d: height %d, want 6", n.idx, st.Height)
		}
		if st.Metrics.ViewChanges != 1 {
			t.Fatalf("node %d: view changes %d, want 1", n.idx, st.Metrics.ViewChanges)
		}
		committed := n.store.Committed()
		if len(committed) != 1 || committed[0].Proposer != next.id {
			t.Fatalf("node %d: commit must come from the view-1 leader", n.idx)
		}
	}
}

// Equivocating proposer: the first proposal wins, the second becomes
// evidence, and consensus finishes on the first.
func TestEquivocatingProposer(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader := c.leaderFor(1, 0)

	b1 := makeBlock(leader.provider, leader.id, 1, "payload-one")
	b2 := makeBlock(leader.provider, leader.id, 1, "payload-two")
	p1 := signProposal(leader, b1, 0, 0)
	p2 := signProposal(leader, b2, 0, 0)

	c.openHeight(1)
	c.ingestAll(p1)
	c.ingestAll(p2)
	c.settle()

	for _, n := range c.nodes {
		committed := n.store.Committed()
		if len(committed) != 1 || committed[0].Hash != b1.Hash {
			t.Fatalf("node %d: consensus must continue on the first-seen proposal", n.idx)
		}
		records := n.engine.Status().ByzantineRecords
		if len(records) != 1 {
			t.Fatalf("node %d: %d byzantine records, want 1", n.idx, len(records))
		}
		rec := records[0]
		if rec.Validator != leader.id || rec.Kind != consensus.ByzEquivocation {
			t.Fatalf("node %d: wrong record %+v", n.idx, rec)
		}
		if len(rec.Evidence) != 2 {
			t.Fatalf("node %d: evidence must hold both signed proposals", n.idx)
		}
		for _, raw := range rec.Evidence {
			if _, err := consensus.Decode(raw); err != nil {
				t.Fatalf("node %d: evidence must decode: %v", n.idx, err)
			}
		}
	}
}

// Double-voting validator: the first pre-vote counts, the conflicting one
// is evidence only, and quorum math is untouched.
func TestDoubleVotingVoter(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader := c.leaderFor(2, 0)
	var voter *node
	for _, n := range c.nodes {
		if n != leader {
			voter = n
			break
		}
	}

	x := makeBlock(leader.provider, leader.id, 2, "block-x")
	y := makeBlock(leader.provider, leader.id, 2, "block-y")

	c.openHeight(2)
	// the conflicting votes sit in the queues before the proposal arrives;
	// proposals drain first, so the votes land in an active round
	c.ingestAll(signVote(voter, consensus.TagPreVote, x.Hash, 2, 0, 0))
	c.ingestAll(signVote(voter, consensus.TagPreVote, y.Hash, 2, 0, 0))
	c.ingestAll(signProposal(leader, x, 0, 0))
	c.settle()

	for _, n := range c.nodes {
		committed := n.store.Committed()
		if len(committed) != 1 || committed[0].Hash != x.Hash {
			t.Fatalf("node %d: quorum decisions must be unaffected by the double vote", n.idx)
		}
		var found bool
		for _, rec := range n.engine.Status().ByzantineRecords {
			if rec.Validator == voter.id && rec.Kind == consensus.ByzDoubleVoting {
				if len(rec.Evidence) != 2 {
					t.Fatalf("node %d: double-vote evidence must hold both votes", n.idx)
				}
				found = true
			}
		}
		if !found {
			t.Fatalf("node %d: double voting not recorded", n.idx)
		}
	}
}

// Fast path vs BFT path with stakes {30,30,30,10}: three 30-stake
// pre-votes carry 90, past both the fast threshold (51) and the bft
// threshold (67).
func TestFastPathThresholds(t *testing.T) {
	for _, fastPath := range []bool{true, false} {
		cfg := consensus.DefaultConfig()
		cfg.FastPathEnabled = fastPath

		c := newCluster(t, []uint64{30, 30, 30, 10}, cfg)
		for _, n := range c.nodes {
			n.produce = nil
		}
		leader := c.leaderFor(1, 0)

		// observer is a 30-stake non-leader; the other two 30-stake
		// validators supply the remaining pre-votes
		var observer *node
		var others []*node
		for _, n := range c.nodes {
			st, _ := n.engine.Registry.Stake(n.id)
			if n == leader || st != 30 {
				continue
			}
			if observer == nil {
				observer = n
			} else {
				others = append(others, n)
			}
		}
		if observer == nil {
			// three 30-stake validators and one leader always leave one
			t.Fatalf("setup: no 30-stake observer")
		}

		x := makeBlock(leader.provider, leader.id, 1, "fast-block")
		if err := observer.engine.OpenHeight(1); err != nil {
			t.Fatalf("open: %v", err)
		}
		_ = observer.engine.Ingest(signProposal(leader, x, 0, 0))
		if err := observer.engine.ProcessPending(); err != nil {
			t.Fatalf("process proposal: %v", err)
		}
		// observer has pre-voted (30). One more 30 makes 60: past 51 but
		// short of 67, so only the fast path advances here.
		_ = observer.engine.Ingest(signVote(others[0], consensus.TagPreVote, x.Hash, 1, 0, 0))
		if err := observer.engine.ProcessPending(); err != nil {
			t.Fatalf("process votes: %v", err)
		}
		midPhase := observer.engine.Status().Phase

		_ = observer.engine.Ingest(signVote(leader, consensus.TagPreVote, x.Hash, 1, 0, 0))
		if err := observer.engine.ProcessPending(); err != nil {
			t.Fatalf("process votes: %v", err)
		}
		endPhase := observer.engine.Status().Phase

		if fastPath {
			if midPhase != consensus.PhasePreCommit {
				t.Fatalf("fast path: phase %s at stake 60, want pre_commit", midPhase)
			}
		} else {
			if midPhase != consensus.PhasePreVote {
				t.Fatalf("bft path: phase %s at stake 60, want pre_vote", midPhase)
			}
			if endPhase != consensus.PhasePreCommit {
				t.Fatalf("bft path: phase %s at stake 90, want pre_commit", endPhase)
			}
		}
	}
}

// A double-voting current leader forfeits the view: detection on its votes
// starts a view change immediately instead of waiting for the timeout.
func TestByzantineLeaderTriggersViewChange(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader := c.leaderFor(1, 0)
	var observer *node
	for _, n := range c.nodes {
		if n != leader {
			observer = n
			break
		}
	}

	x := makeBlock(leader.provider, leader.id, 1, "block-x")
	y := makeBlock(leader.provider, leader.id, 1, "block-y")

	if err := observer.engine.OpenHeight(1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = observer.engine.Ingest(signProposal(leader, x, 0, 0))
	_ = observer.engine.Ingest(signVote(leader, consensus.TagPreVote, x.Hash, 1, 0, 0))
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := observer.engine.Status().Metrics.ViewChanges; got != 0 {
		t.Fatalf("clean leader votes must not trigger a view change: %d", got)
	}

	_ = observer.engine.Ingest(signVote(leader, consensus.TagPreVote, y.Hash, 1, 0, 0))
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process conflicting vote: %v", err)
	}

	st := observer.engine.Status()
	if st.Phase != consensus.PhaseViewChange {
		t.Fatalf("byzantine leader must forfeit the view: phase %s", st.Phase)
	}
	if st.Metrics.ViewChanges != 1 {
		t.Fatalf("view change not counted: %d", st.Metrics.ViewChanges)
	}
	var flagged bool
	for _, rec := range st.ByzantineRecords {
		if rec.Validator == leader.id && rec.Kind == consensus.ByzDoubleVoting {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("leader double vote not recorded")
	}
}

// Adaptive timeouts: successive silent views double the proposal timeout:
// 1000ms, 2000ms, 4000ms; the view counter reaches 3 with no commit.
func TestAdaptiveTimeoutBackoff(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	c.openHeight(1)
	c.settle()

	for _, step := range []time.Duration{1001, 2001, 4001} {
		c.clock.Advance(step * time.Millisecond)
		c.checkTimeouts()
		c.settle()
	}

	for _, n := range c.nodes {
		st := n.engine.Status()
		if st.View != 3 {
			t.Fatalf("node %d: view %d, want 3", n.idx, st.View)
		}
		if st.Metrics.ViewChanges != 3 {
			t.Fatalf("node %d: view changes %d, want 3", n.idx, st.Metrics.ViewChanges)
		}
		if st.Metrics.BlocksProcessed != 0 {
			t.Fatalf("node %d: no commit expected", n.idx)
		}
		log := n.engine.Metrics.TimeoutLog()
		if len(log) != 3 {
			t.Fatalf("node %d: %d timeouts recorded, want 3", n.idx, len(log))
		}
		want := []time.Duration{1001, 2001, 4001}
		for i, ev := range log {
			if ev.Phase != consensus.PhasePrepare {
				t.Fatalf("node %d: timeout %d phase %s", n.idx, i, ev.Phase)
			}
			if ev.Elapsed != want[i]*time.Millisecond {
				t.Fatalf("node %d: timeout %d elapsed %v, want %v",
					n.idx, i, ev.Elapsed, want[i]*time.Millisecond)
			}
		}
	}
}

// With pipelining, height 2 is proposed, pre-voted, and pre-committed while
// height 1 is still gathering votes; its commit parks until height 1
// finalizes and then both surface in height order.
func TestPipelinedHeightsProgressConcurrently(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader1 := c.leaderFor(1, 0)
	leader2 := c.leaderFor(2, 0)
	var observer *node
	for _, n := range c.nodes {
		if n != leader1 && n != leader2 {
			observer = n
			break
		}
	}

	b1 := makeBlock(leader1.provider, leader1.id, 1, "pipe-one")
	b2 := makeChild(leader2.provider, leader2.id, 2, b1.Hash, "pipe-two")

	if err := observer.engine.OpenHeight(1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = observer.engine.Ingest(signProposal(leader1, b1, 0, 0))
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h1 proposal: %v", err)
	}

	// admitting height 1's proposal opens height 2's slot
	st := observer.engine.Status()
	if st.Pipeline.ActiveSlots != 2 {
		t.Fatalf("pipeline slots after h1 admit: %d, want 2", st.Pipeline.ActiveSlots)
	}
	if st.Height != 1 || st.Phase != consensus.PhasePreVote {
		t.Fatalf("height 1 must still be in pre-vote: h=%d phase=%s", st.Height, st.Phase)
	}

	_ = observer.engine.Ingest(signProposal(leader2, b2, 0, 0))
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h2 proposal: %v", err)
	}

	// drive height 2 all the way to a pre-commit quorum first
	for _, n := range c.nodes {
		if n != observer {
			_ = observer.engine.Ingest(signVote(n, consensus.TagPreVote, b2.Hash, 2, 0, 0))
		}
	}
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h2 pre-votes: %v", err)
	}
	for _, n := range c.nodes {
		if n != observer {
			_ = observer.engine.Ingest(signVote(n, consensus.TagPreCommit, b2.Hash, 2, 0, 0))
		}
	}
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h2 pre-commits: %v", err)
	}
	if got := len(observer.store.Committed()); got != 0 {
		t.Fatalf("height 2 must park until height 1 finalizes, committed %d", got)
	}

	// now finish height 1: both heights flush in ascending order
	for _, n := range c.nodes {
		if n != observer {
			_ = observer.engine.Ingest(signVote(n, consensus.TagPreVote, b1.Hash, 1, 0, 0))
		}
	}
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h1 pre-votes: %v", err)
	}
	for _, n := range c.nodes {
		if n != observer {
			_ = observer.engine.Ingest(signVote(n, consensus.TagPreCommit, b1.Hash, 1, 0, 0))
		}
	}
	if err := observer.engine.ProcessPending(); err != nil {
		t.Fatalf("process h1 pre-commits: %v", err)
	}

	committed := observer.store.Committed()
	if len(committed) != 2 {
		t.Fatalf("committed %d blocks, want 2", len(committed))
	}
	if committed[0].Hash != b1.Hash || committed[1].Hash != b2.Hash {
		t.Fatalf("commit order broken: %v then %v", committed[0].Height, committed[1].Height)
	}
	if got := observer.engine.Status().Height; got != 3 {
		t.Fatalf("frontier after both commits: height %d, want 3", got)
	}
}

// Multiple heights chain commits in strict order with rotating leaders.
func TestMultiHeightProgression(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		p := n.provider
		n.produce = func(h consensus.Height) (consensus.Block, bool) {
			if h > 3 {
				return consensus.Block{}, false
			}
			return defaultProducer(p)(h)
		}
	}

	c.openHeight(1)
	c.settle()

	reference := c.nodes[0].store.Committed()
	if len(reference) != 3 {
		t.Fatalf("committed %d blocks, want 3", len(reference))
	}
	for i, b := range reference {
		if b.Height != consensus.Height(i+1) {
			t.Fatalf("commit order broken: %v", reference)
		}
	}
	proposers := map[consensus.ValidatorID]bool{}
	for _, b := range reference {
		proposers[b.Proposer] = true
	}
	if len(proposers) != 3 {
		t.Fatalf("leaders must rotate across heights: %d distinct", len(proposers))
	}
	for _, n := range c.nodes[1:] {
		committed := n.store.Committed()
		if len(committed) != len(reference) {
			t.Fatalf("node %d: %d commits, want %d", n.idx, len(committed), len(reference))
		}
		for i := range committed {
			if committed[i].Hash != reference[i].Hash {
				t.Fatalf("node %d: commit %d diverges", n.idx, i)
			}
		}
	}
}

// A failing committer is fatal: the engine halts and surfaces the error.
func TestCommitFailureHalts(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader := c.leaderFor(1, 0)
	var observer *node
	for _, n := range c.nodes {
		if n != leader {
			observer = n
			break
		}
	}

	// rebuild the observer with a committer that always fails
	engine, err := consensus.NewEngine(consensus.DefaultConfig(), observer.id, consensus.Dependencies{
		Crypto:    observer.provider,
		Producer:  produceFn(func(consensus.Height) (consensus.Block, bool) { return consensus.Block{}, false }),
		Validator: contentHashValidator(observer.provider),
		Committer: commitFn(func(consensus.Block) error { return errors.New("disk gone") }),
		Logger:    nil,
		Clock:     c.clock,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	set := make(map[consensus.ValidatorID]consensus.ValidatorRecord)
	for _, n := range c.nodes {
		set[n.id] = consensus.ValidatorRecord{Stake: 1}
	}
	if err := engine.Install(set); err != nil {
		t.Fatalf("install: %v", err)
	}

	x := makeBlock(leader.provider, leader.id, 1, "doomed")
	if err := engine.OpenHeight(1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = engine.Ingest(signProposal(leader, x, 0, 0))
	for _, n := range c.nodes {
		if n == observer {
			continue
		}
		_ = engine.Ingest(signVote(n, consensus.TagPreVote, x.Hash, 1, 0, 0))
	}
	if err := engine.ProcessPending(); err != nil {
		t.Fatalf("pre-vote stage must not fail: %v", err)
	}
	for _, n := range c.nodes {
		if n == observer {
			continue
		}
		_ = engine.Ingest(signVote(n, consensus.TagPreCommit, x.Hash, 1, 0, 0))
	}

	err = engine.ProcessPending()
	if !errors.Is(err, consensus.ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if !engine.Halted() {
		t.Fatalf("engine must halt after a commit failure")
	}
	if err := engine.OpenHeight(2); !errors.Is(err, consensus.ErrHalted) {
		t.Fatalf("halted engine must refuse new heights, got %v", err)
	}
}

// Re-delivered messages are no-ops end to end.
func TestIngestIdempotence(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	leader := c.leaderFor(1, 0)
	x := makeBlock(leader.provider, leader.id, 1, "once")
	p := signProposal(leader, x, 0, 0)

	c.openHeight(1)
	c.ingestAll(p)
	c.ingestAll(p)
	c.ingestAll(p)
	c.settle()

	for _, n := range c.nodes {
		if len(n.store.Committed()) != 1 {
			t.Fatalf("node %d: re-delivery changed the outcome", n.idx)
		}
		if len(n.engine.Status().ByzantineRecords) != 0 {
			t.Fatalf("node %d: re-delivery flagged as byzantine", n.idx)
		}
	}
}

// Operator override forces a view change.
func TestTriggerViewChangeOverride(t *testing.T) {
	c := newCluster(t, []uint64{1, 1, 1, 1}, consensus.DefaultConfig())
	for _, n := range c.nodes {
		n.produce = nil
	}
	c.openHeight(1)
	c.settle()

	for _, n := range c.nodes {
		n.engine.TriggerViewChange()
	}
	c.settle()

	for _, n := range c.nodes {
		st := n.engine.Status()
		if st.View != 1 {
			t.Fatalf("node %d: view %d after override, want 1", n.idx, st.View)
		}
		if st.Metrics.ViewChanges != 1 {
			t.Fatalf("node %d: view change not counted", n.idx)
		}
	}
}
