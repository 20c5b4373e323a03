// file: tests/harness_test.go
package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ccx404/ccbft/pkg/consensus"
	"github.com/ccx404/ccbft/pkg/crypto"
	"github.com/ccx404/ccbft/pkg/storage"
	"github.com/ccx404/ccbft/pkg/util"
)

// produceFn / validateFn adapt plain funcs to the engine's collaborator
// interfaces.
type produceFn func(consensus.Height) (consensus.Block, bool)

func (f produceFn) Produce(h consensus.Height) (consensus.Block, bool) { return f(h) }

type validateFn func(consensus.Block) error

func (f validateFn) Validate(b consensus.Block) error { return f(b) }

type commitFn func(consensus.Block) error

func (f commitFn) Commit(b consensus.Block) error { return f(b) }

// node is one validator process in the in-memory cluster.
type node struct {
	idx      int
	id       consensus.ValidatorID
	provider *crypto.BLSProvider
	engine   *consensus.Engine
	store    *storage.MemStore

	// produce is swappable per scenario; nil means never propose a body.
	produce func(consensus.Height) (consensus.Block, bool)
}

// fanoutNet re-encodes every message through the canonical codec and
// delivers it to every other node, like a lossless broadcast medium.
type fanoutNet struct {
	cluster *cluster
	self    *node
}

func (n *fanoutNet) Send(_ context.Context, m consensus.Message) error {
	raw, err := consensus.Encode(m)
	if err != nil {
		return err
	}
	for _, peer := range n.cluster.nodes {
		if peer == n.self {
			continue
		}
		decoded, err := consensus.Decode(raw)
		if err != nil {
			return err
		}
		_ = peer.engine.Ingest(decoded)
	}
	return nil
}

type cluster struct {
	t     *testing.T
	clock *util.FakeClock
	nodes []*node
}

// newCluster builds n validators with the given stakes, all sharing one
// fake clock. Producers default to a simple payload generator; scenarios
// override per node.
func newCluster(t *testing.T, stakes []uint64, cfg consensus.Config) *cluster {
	t.Helper()
	c := &cluster{t: t, clock: util.NewFakeClock(time.Unix(1000, 0))}

	signers := make([]*crypto.BLSSigner, len(stakes))
	for i := range stakes {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[31] = 0x7E
		signers[i] = crypto.NewBLSSignerFromSeed(seed)
	}

	set := make(map[consensus.ValidatorID]consensus.ValidatorRecord, len(stakes))
	for i, stake := range stakes {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[31] = 0x7E
		provider, err := crypto.NewBLSProvider(seed)
		if err != nil {
			t.Fatalf("provider %d: %v", i, err)
		}
		var id consensus.ValidatorID
		for j, s := range signers {
			peerID, err := provider.Register(s.Pubkey())
			if err != nil {
				t.Fatalf("register %d on %d: %v", j, i, err)
			}
			if j == i {
				id = peerID
			}
		}
		set[id] = consensus.ValidatorRecord{Stake: stake}

		n := &node{idx: i, id: id, provider: provider, store: storage.NewMemStore()}
		n.produce = defaultProducer(provider)
		c.nodes = append(c.nodes, n)
	}

	for _, n := range c.nodes {
		n := n
		engine, err := consensus.NewEngine(cfg, n.id, consensus.Dependencies{
			Crypto: n.provider,
			Producer: produceFn(func(h consensus.Height) (consensus.Block, bool) {
				if n.produce == nil {
					return consensus.Block{}, false
				}
				return n.produce(h)
			}),
			Validator: contentHashValidator(n.provider),
			Committer: n.store,
			Network:   &fanoutNet{cluster: c, self: n},
			Logger:    util.NewNopLogger(),
			Clock:     c.clock,
		})
		if err != nil {
			t.Fatalf("engine %d: %v", n.idx, err)
		}
		n.engine = engine
		if err := engine.Install(set); err != nil {
			t.Fatalf("install %d: %v", n.idx, err)
		}
	}
	return c
}

func defaultProducer(p *crypto.BLSProvider) func(consensus.Height) (consensus.Block, bool) {
	return func(h consensus.Height) (consensus.Block, bool) {
		return consensus.Block{
			Height:  h,
			Payload: []byte(fmt.Sprintf("block-%d", h)),
		}, true
	}
}

// contentHashValidator re-derives the content hash like a real block check.
func contentHashValidator(p *crypto.BLSProvider) validateFn {
	return func(b consensus.Block) error {
		want := p.Hash(consensus.BlockContentBytes(b))
		if want != b.Hash {
			return fmt.Errorf("content hash mismatch")
		}
		return nil
	}
}

// produceOnlyAt restricts a node to proposing bodies for one height, so a
// scenario halts cleanly instead of chaining commits forever.
func produceOnlyAt(p *crypto.BLSProvider, allowed consensus.Height) func(consensus.Height) (consensus.Block, bool) {
	inner := defaultProducer(p)
	return func(h consensus.Height) (consensus.Block, bool) {
		if h != allowed {
			return consensus.Block{}, false
		}
		return inner(h)
	}
}

func (c *cluster) openHeight(h consensus.Height) {
	c.t.Helper()
	for _, n := range c.nodes {
		if err := n.engine.OpenHeight(h); err != nil {
			c.t.Fatalf("open height on node %d: %v", n.idx, err)
		}
	}
}

// settle drains every node's queues until the cluster is quiescent.
func (c *cluster) settle() {
	c.t.Helper()
	for round := 0; round < 200; round++ {
		for _, n := range c.nodes {
			if err := n.engine.ProcessPending(); err != nil {
				c.t.Fatalf("process pending on node %d: %v", n.idx, err)
			}
		}
		quiet := true
		for _, n := range c.nodes {
			q := n.engine.Status().Queues
			if q.Proposals+q.Votes+q.ViewChanges+q.NewViews > 0 {
				quiet = false
			}
		}
		if quiet {
			return
		}
	}
	c.t.Fatalf("cluster did not settle")
}

func (c *cluster) checkTimeouts() {
	for _, n := range c.nodes {
		n.engine.CheckTimeout()
	}
}

func (c *cluster) leaderFor(h consensus.Height, v consensus.View) *node {
	c.t.Helper()
	id, ok := c.nodes[0].engine.Registry.LeaderFor(h, v)
	if !ok {
		c.t.Fatalf("no leader for (%d,%d)", h, v)
	}
	for _, n := range c.nodes {
		if n.id == id {
			return n
		}
	}
	c.t.Fatalf("leader %s not in cluster", id)
	return nil
}

// ---- crafted message helpers (Byzantine scenarios) ----

func makeBlock(p *crypto.BLSProvider, proposer consensus.ValidatorID, h consensus.Height, payload string) consensus.Block {
	b := consensus.Block{
		Height:   h,
		Proposer: proposer,
		Payload:  []byte(payload),
	}
	b.Hash = p.Hash(consensus.BlockContentBytes(b))
	return b
}

// makeChild is makeBlock with an explicit parent, for pipelined heights
// that build on a pending (uncommitted) block.
func makeChild(p *crypto.BLSProvider, proposer consensus.ValidatorID, h consensus.Height, parent consensus.Hash, payload string) consensus.Block {
	b := consensus.Block{
		Height:   h,
		Parent:   parent,
		Proposer: proposer,
		Payload:  []byte(payload),
	}
	b.Hash = p.Hash(consensus.BlockContentBytes(b))
	return b
}

func signProposal(n *node, b consensus.Block, view consensus.View, round consensus.Round) *consensus.Proposal {
	return &consensus.Proposal{
		Block:        b,
		Proposer:     n.id,
		View:         view,
		Round:        round,
		ProposalTime: time.Unix(1000, 0).UTC(),
		Signature:    n.provider.Sign(consensus.ProposalSigningBytes(b.Hash, view, round)),
	}
}

func signVote(n *node, tag consensus.VoteTag, bh consensus.Hash, h consensus.Height, view consensus.View, round consensus.Round) *consensus.Vote {
	kind := consensus.VoteKind{Tag: tag}
	return &consensus.Vote{
		Voter:     n.id,
		BlockHash: bh,
		Height:    h,
		View:      view,
		Round:     round,
		Kind:      kind,
		Signature: n.provider.Sign(consensus.VoteSigningBytes(bh, view, round, kind)),
		Timestamp: time.Unix(1000, 0).UTC(),
	}
}

// ingestAll delivers a crafted message to every node.
func (c *cluster) ingestAll(m consensus.Message) {
	c.t.Helper()
	raw, err := consensus.Encode(m)
	if err != nil {
		c.t.Fatalf("encode crafted message: %v", err)
	}
	for _, n := range c.nodes {
		decoded, err := consensus.Decode(raw)
		if err != nil {
			c.t.Fatalf("decode crafted message: %v", err)
		}
		_ = n.engine.Ingest(decoded)
	}
}
