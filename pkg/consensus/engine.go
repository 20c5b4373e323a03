// file: pkg/consensus/engine.go
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ccx404/ccbft/pkg/util"
)

const (
	ingestQueueSize = 1024
	seenCacheSize   = 8192
)

// Dependencies are the external collaborators handed to the engine at
// construction. The engine never holds a lock across a call into any of
// them.
type Dependencies struct {
	Crypto    Crypto
	Producer  BlockProducer
	Validator BlockValidator
	Committer BlockCommitter
	Network   Network
	Logger    *zap.SugaredLogger
	Clock     util.Clock
}

// Engine drives stake-weighted three-phase BFT consensus over a sequence of
// heights: Proposal -> PreVote quorum -> PreCommit quorum -> commit, with
// timeout-driven view changes in between. With pipelining enabled, up to
// MaxParallelBlocks consecutive heights run their Validation/PreVoting/
// Committing stages concurrently, each under its own RoundState; only the
// final commit is serialized through the scheduler's ascending cursor.
type Engine struct {
	cfg   Config
	self  ValidatorID
	deps  Dependencies
	clock util.Clock
	log   *zap.SugaredLogger

	VerboseLogging bool

	Registry *Registry
	Safety   *Monitor
	Pipeline *Scheduler
	Metrics  *Metrics

	pace      *Pacemaker
	aggregate func(sigs [][]byte) ([]byte, error)

	mu            sync.Mutex
	rounds        map[Height]*RoundState
	lastCommitted *Block
	future        map[Height][]Message // buffered messages beyond the open window

	violMu     sync.Mutex
	violations map[ValidatorID]uint64

	seen *lru.Cache[Hash, struct{}]

	proposalQ   chan *Proposal
	voteQ       chan *Vote
	viewChangeQ chan *ViewChangeMsg
	newViewQ    chan *NewViewMsg

	runCtx context.Context
	halted atomic.Bool
}

func NewEngine(cfg Config, self ValidatorID, deps Dependencies) (*Engine, error) {
	if deps.Crypto == nil {
		return nil, errors.New("consensus: crypto collaborator is required")
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if cfg.MaxParallelBlocks < 1 {
		cfg.MaxParallelBlocks = 1
	}
	if !cfg.PipeliningEnabled {
		cfg.MaxParallelBlocks = 1
	}
	seen, err := lru.New[Hash, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("consensus: seen cache: %w", err)
	}

	reg := NewRegistry(deps.Clock)
	e := &Engine{
		cfg:         cfg,
		self:        self,
		deps:        deps,
		clock:       deps.Clock,
		log:         deps.Logger,
		Registry:    reg,
		Safety:      NewMonitor(reg, deps.Clock, deps.Logger),
		Pipeline:    NewScheduler(cfg.MaxParallelBlocks, 1, deps.Clock),
		Metrics:     NewMetrics(deps.Clock),
		pace:        NewPacemaker(cfg, deps.Clock),
		rounds:      make(map[Height]*RoundState),
		future:      make(map[Height][]Message),
		violations:  make(map[ValidatorID]uint64),
		seen:        seen,
		proposalQ:   make(chan *Proposal, ingestQueueSize),
		voteQ:       make(chan *Vote, ingestQueueSize),
		viewChangeQ: make(chan *ViewChangeMsg, ingestQueueSize),
		newViewQ:    make(chan *NewViewMsg, ingestQueueSize),
	}
	if cfg.AggregateSignatures {
		if agg, ok := deps.Crypto.(SignatureAggregator); ok {
			e.aggregate = agg.Aggregate
		}
	}
	return e, nil
}

// Install replaces the validator set before consensus starts.
func (e *Engine) Install(set map[ValidatorID]ValidatorRecord) error {
	return e.Registry.Install(set)
}

// UpdateValidatorSet applies a delta atomically; thresholds recompute.
func (e *Engine) UpdateValidatorSet(delta []ValidatorChange) error {
	return e.Registry.ApplyDelta(delta)
}

func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) ctx() context.Context {
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

func (e *Engine) verbose() bool { return e.log != nil && e.VerboseLogging }

func (e *Engine) recordViolation(id ValidatorID) {
	e.violMu.Lock()
	e.violations[id]++
	e.violMu.Unlock()
}

func (e *Engine) violationTotal() uint64 {
	e.violMu.Lock()
	defer e.violMu.Unlock()
	var n uint64
	for _, c := range e.violations {
		n += c
	}
	return n
}

// minOpenLocked returns the lowest in-flight height. Caller holds e.mu.
func (e *Engine) minOpenLocked() (Height, bool) {
	var min Height
	found := false
	for h := range e.rounds {
		if !found || h < min {
			min = h
			found = true
		}
	}
	return min, found
}

// maxOpenLocked returns the highest in-flight height. Caller holds e.mu.
func (e *Engine) maxOpenLocked() (Height, bool) {
	var max Height
	found := false
	for h := range e.rounds {
		if !found || h > max {
			max = h
			found = true
		}
	}
	return max, found
}

// ---- ingest ----

// Ingest admits a deserialized consensus message. Re-delivery of a message
// already seen is a no-op; an unknown concrete type is an error.
func (e *Engine) Ingest(m Message) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if raw, err := Encode(m); err == nil {
		digest := e.deps.Crypto.Hash(raw)
		if _, dup := e.seen.Get(digest); dup {
			return nil
		}
		e.seen.Add(digest, struct{}{})
	}
	return e.enqueue(m)
}

func (e *Engine) enqueue(m Message) error {
	switch v := m.(type) {
	case *Proposal:
		select {
		case e.proposalQ <- v:
		default:
			return errors.New("consensus: proposal queue full")
		}
	case *Vote:
		select {
		case e.voteQ <- v:
		default:
			return errors.New("consensus: vote queue full")
		}
	case *ViewChangeMsg:
		select {
		case e.viewChangeQ <- v:
		default:
			return errors.New("consensus: view-change queue full")
		}
	case *NewViewMsg:
		select {
		case e.newViewQ <- v:
		default:
			return errors.New("consensus: new-view queue full")
		}
	default:
		return fmt.Errorf("consensus: unknown message type %T", m)
	}
	return nil
}

// broadcast sends to the network and loops the message back through the
// local queues, so the node processes its own messages like any peer's.
func (e *Engine) broadcast(m Message) {
	if e.deps.Network != nil {
		if err := e.deps.Network.Send(e.ctx(), m); err != nil && e.verbose() {
			e.log.Debugw("broadcast_failed", "kind", m.MsgKind(), "err", err)
		}
	}
	if err := e.enqueue(m); err != nil && e.log != nil {
		e.log.Warnw("local_enqueue_failed", "kind", m.MsgKind(), "err", err)
	}
}

// ProcessPending synchronously drains every queued message. Proposals are
// drained before votes so a vote quorum never outruns its subject.
func (e *Engine) ProcessPending() error {
	for {
		select {
		case p := <-e.proposalQ:
			if err := e.processProposal(p); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case v := <-e.voteQ:
			if err := e.processVote(v); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case vc := <-e.viewChangeQ:
			if err := e.processViewChange(vc); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case nv := <-e.newViewQ:
			if err := e.processNewView(nv); err != nil {
				return err
			}
			continue
		default:
		}
		return nil
	}
}

// Run drives the engine until the context is canceled or a fatal error
// (commit failure) surfaces.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	for {
		if e.halted.Load() {
			return ErrHalted
		}
		var fire <-chan time.Time
		if rem, ok := e.pace.Remaining(); ok {
			fire = e.clock.After(rem)
		}

		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-e.proposalQ:
			err = e.processProposal(p)
		case v := <-e.voteQ:
			err = e.processVote(v)
		case vc := <-e.viewChangeQ:
			err = e.processViewChange(vc)
		case nv := <-e.newViewQ:
			err = e.processNewView(nv)
		case <-fire:
			e.CheckTimeout()
		}
		if err != nil && errors.Is(err, ErrCommitFailed) {
			return err
		}
	}
}

// ---- height lifecycle ----

// OpenHeight starts consensus at h, discarding any in-flight heights.
func (e *Engine) OpenHeight(h Height) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if e.Registry.Count() == 0 {
		return fmt.Errorf("%w: no validator set installed", ErrInvalidValidatorSet)
	}

	e.mu.Lock()
	for height := range e.rounds {
		e.Pipeline.Abandon(height)
		e.pace.Close(height)
	}
	e.rounds = make(map[Height]*RoundState)
	e.Pipeline.Align(h)
	leader, buffered := e.openHeightLocked(h)
	e.mu.Unlock()

	if e.verbose() {
		e.log.Infow("open_height", "height", h, "leader", leader, "is_leader", leader == e.self)
	}
	for _, m := range buffered {
		_ = e.enqueue(m)
	}
	if leader == e.self {
		e.propose(h, 0, 0)
	}
	return nil
}

// openHeightLocked creates the round state for h, claims its pipeline slot,
// and arms its timer. Caller holds e.mu.
func (e *Engine) openHeightLocked(h Height) (ValidatorID, []Message) {
	rs := newRoundState(h, e.clock.Now(), e.Registry, e.aggregate)
	e.rounds[h] = rs
	e.Pipeline.Open(h)
	e.pace.Arm(h, 0, 0, PhasePrepare)
	leader, _ := e.Registry.LeaderFor(h, 0)
	buffered := e.future[h]
	delete(e.future, h)
	return leader, buffered
}

// openNext extends the pipeline window by one height once the current
// frontier height has an admitted proposal: the next leader may then build
// on the pending block while earlier heights are still voting.
func (e *Engine) openNext() {
	if !e.cfg.PipeliningEnabled || e.halted.Load() {
		return
	}
	e.mu.Lock()
	max, ok := e.maxOpenLocked()
	if !ok || len(e.rounds) >= e.cfg.MaxParallelBlocks {
		e.mu.Unlock()
		return
	}
	front := e.rounds[max]
	if front.Proposal == nil || front.Phase == PhaseViewChange {
		e.mu.Unlock()
		return
	}
	next := max + 1
	leader, buffered := e.openHeightLocked(next)
	e.mu.Unlock()

	if e.verbose() {
		e.log.Infow("pipeline_open", "height", next, "leader", leader, "is_leader", leader == e.self)
	}
	for _, m := range buffered {
		_ = e.enqueue(m)
	}
	if leader == e.self {
		e.propose(next, 0, 0)
	}
}

// propose constructs, signs, and broadcasts a proposal for (h, view, round).
// The proposal is admitted through the normal queue like any peer message.
// The parent is the pending block of h-1 when that height is still in
// flight, otherwise the last committed block.
func (e *Engine) propose(h Height, view View, round Round) {
	block, ok := e.deps.Producer.Produce(h)
	if !ok {
		if e.verbose() {
			e.log.Debugw("produce_empty", "height", h)
		}
		return
	}

	e.mu.Lock()
	var parent Hash
	if prev, ok := e.rounds[h-1]; ok && prev.Proposal != nil {
		parent = prev.Proposal.Block.Hash
	} else if e.lastCommitted != nil {
		parent = e.lastCommitted.Hash
	}
	e.mu.Unlock()

	block.Height = h
	block.Proposer = e.self
	if block.Parent.IsZero() {
		block.Parent = parent
	}
	if block.Hash.IsZero() {
		block.Hash = e.deps.Crypto.Hash(BlockContentBytes(block))
	}

	p := &Proposal{
		Block:        block,
		Proposer:     e.self,
		View:         view,
		Round:        round,
		ProposalTime: e.clock.Now(),
		Signature:    e.deps.Crypto.Sign(ProposalSigningBytes(block.Hash, view, round)),
		Justification: ProposalJustification{
			Parent: parent,
		},
	}
	if e.verbose() {
		e.log.Infow("propose", "height", h, "view", view, "hash", block.Hash)
	}
	e.broadcast(p)
}

// ---- message processing ----

func (e *Engine) processProposal(p *Proposal) error {
	if e.halted.Load() {
		return nil
	}
	h := p.Block.Height

	// ordering gates against the open window
	e.mu.Lock()
	min, started := e.minOpenLocked()
	if !started {
		e.mu.Unlock()
		return nil
	}
	if h < min {
		e.mu.Unlock()
		return nil
	}
	rs, open := e.rounds[h]
	if !open {
		e.future[h] = append(e.future[h], p)
		e.mu.Unlock()
		return nil
	}
	switch {
	case p.View < rs.View || (p.View == rs.View && p.Round < rs.Round):
		e.mu.Unlock()
		return nil
	case p.View > rs.View:
		rs.pendingViews[p.View] = append(rs.pendingViews[p.View], p)
		e.mu.Unlock()
		return nil
	}
	view, round := rs.View, rs.Round
	e.mu.Unlock()

	// protocol gates: non-validator, bad signature, wrong leader
	if !e.Registry.Contains(p.Proposer) {
		return nil
	}
	if !e.deps.Crypto.Verify(p.Proposer, ProposalSigningBytes(p.Block.Hash, p.View, p.Round), p.Signature) {
		e.recordViolation(p.Proposer)
		return nil
	}
	leader, ok := e.Registry.LeaderFor(h, p.View)
	if !ok || leader != p.Proposer {
		e.recordViolation(p.Proposer)
		return nil
	}

	valid := true
	if e.deps.Validator != nil {
		valid = e.deps.Validator.Validate(p.Block) == nil
	}

	// safety monitoring happens-before admit
	br := e.Safety.ObserveProposal(p, valid)
	if br != nil && br.Kind == ByzEquivocation {
		// first-seen proposal stands; the conflicting one is evidence only
		if e.verbose() {
			e.log.Debugw("proposal_equivocation", "proposer", p.Proposer, "height", h)
		}
		return nil
	}
	if !valid {
		// withhold PreVote; the phase timeout rotates the leader
		if e.verbose() {
			e.log.Debugw("proposal_invalid", "proposer", p.Proposer, "height", h)
		}
		return nil
	}

	e.mu.Lock()
	rs, open = e.rounds[h]
	if !open || rs.View != view || rs.Round != round || rs.Phase != PhasePrepare {
		e.mu.Unlock()
		return nil
	}
	if rs.Proposal != nil {
		// duplicate delivery of the admitted proposal
		e.mu.Unlock()
		return nil
	}
	rs.Proposal = p
	rs.enterPhase(PhasePreVote, e.clock.Now())
	e.pace.Arm(h, view, round, PhasePreVote)
	e.Pipeline.Advance(h, StagePreVoting)
	e.mu.Unlock()

	e.Registry.RecordPerformance(p.Proposer, PerfEvent{Tag: PerfBlockProposed})
	e.Registry.RecordPerformance(e.self, PerfEvent{Tag: PerfBlockValidated})

	e.castVote(TagPreVote, p.Block.Hash, h, view, round, ReasonValidBlock)
	e.openNext()
	return nil
}

func (e *Engine) castVote(tag VoteTag, bh Hash, h Height, view View, round Round, reason JustificationReason) {
	kind := VoteKind{Tag: tag}
	v := &Vote{
		Voter:         e.self,
		BlockHash:     bh,
		Height:        h,
		View:          view,
		Round:         round,
		Kind:          kind,
		Signature:     e.deps.Crypto.Sign(VoteSigningBytes(bh, view, round, kind)),
		Timestamp:     e.clock.Now(),
		Justification: &VoteJustification{Reason: reason},
	}
	if e.verbose() {
		e.log.Debugw("vote_cast", "tag", tag.String(), "height", h, "view", view, "hash", bh)
	}
	e.broadcast(v)
}

func (e *Engine) processVote(v *Vote) error {
	if e.halted.Load() {
		return nil
	}
	h := v.Height

	e.mu.Lock()
	min, started := e.minOpenLocked()
	if !started || h < min {
		e.mu.Unlock()
		return nil
	}
	rs, open := e.rounds[h]
	if !open {
		e.future[h] = append(e.future[h], v)
		e.mu.Unlock()
		return nil
	}
	switch {
	case v.View < rs.View || (v.View == rs.View && v.Round < rs.Round):
		e.mu.Unlock()
		return nil
	case v.View > rs.View || (v.View == rs.View && v.Round > rs.Round):
		rs.pendingViews[v.View] = append(rs.pendingViews[v.View], v)
		e.mu.Unlock()
		return nil
	}
	tracker := rs.Votes
	e.mu.Unlock()

	if !e.Registry.Contains(v.Voter) {
		return nil
	}
	if !e.deps.Crypto.Verify(v.Voter, VoteSigningBytes(v.BlockHash, v.View, v.Round, v.Kind), v.Signature) {
		e.recordViolation(v.Voter)
		return nil
	}

	// double-vote detection happens-before the tracker admit; the tracker
	// independently retains only the first vote
	if br := e.Safety.ObserveVote(v); br != nil {
		// a Byzantine leader of an open height forfeits its view; other
		// offenders are evidence-only
		e.mu.Lock()
		rs, open := e.rounds[h]
		var vc *ViewChangeMsg
		if open {
			leader, ok := e.Registry.LeaderFor(h, rs.View)
			if ok && leader == br.Validator && rs.Phase != PhaseViewChange {
				vc = e.startViewChangeLocked(rs)
			}
		}
		e.mu.Unlock()
		if vc != nil {
			e.broadcast(vc)
		}
	}
	outcome := tracker.Add(*v)
	if outcome == VoteDuplicate || outcome == VoteEquivocation || outcome == VoteIgnored {
		return nil
	}

	return e.maybeAdvance(h)
}

// maybeAdvance re-evaluates quorum conditions for one height's proposal and
// performs at most one phase transition per call.
func (e *Engine) maybeAdvance(h Height) error {
	e.mu.Lock()
	rs, open := e.rounds[h]
	if !open || rs.Proposal == nil {
		e.mu.Unlock()
		return nil
	}
	bh := rs.Proposal.Block.Hash
	view, round := rs.View, rs.Round

	switch rs.Phase {
	case PhasePreVote:
		threshold := e.Registry.BFTThreshold()
		if e.cfg.FastPathEnabled && e.Registry.FastPathSafe() {
			threshold = e.Registry.FastThreshold()
		}
		if rs.Votes.StakeFor(TagPreVote, view, round, bh) < threshold {
			e.mu.Unlock()
			return nil
		}
		rs.enterPhase(PhasePreCommit, e.clock.Now())
		e.pace.Arm(h, view, round, PhasePreCommit)
		e.Pipeline.Advance(h, StageCommitting)
		e.mu.Unlock()
		e.castVote(TagPreCommit, bh, h, view, round, ReasonValidBlock)
		return nil

	case PhasePreCommit:
		if rs.Votes.StakeFor(TagPreCommit, view, round, bh) < e.Registry.BFTThreshold() {
			e.mu.Unlock()
			return nil
		}
		rs.enterPhase(PhaseCommit, e.clock.Now())
		e.pace.Disarm(h)
		e.mu.Unlock()
		return e.commitRound(h)

	default:
		e.mu.Unlock()
		return nil
	}
}

// commitRound hands a quorate height to the scheduler. The scheduler parks
// it until every earlier height has finalized, so one call may surface a
// run of queued commits. A committer failure is fatal: the engine halts.
func (e *Engine) commitRound(h Height) error {
	e.mu.Lock()
	rs, open := e.rounds[h]
	if !open || rs.Proposal == nil {
		e.mu.Unlock()
		return nil
	}
	block := rs.Proposal.Block
	starts := make(map[Height]time.Time, len(e.rounds))
	for hh, r := range e.rounds {
		starts[hh] = r.RoundStart
	}
	e.mu.Unlock()

	commit := func(b Block) error {
		if e.deps.Committer == nil {
			return nil
		}
		return e.deps.Committer.Commit(b)
	}
	done, err := e.Pipeline.Finalize(h, block, commit)

	now := e.clock.Now()
	e.mu.Lock()
	for _, b := range done {
		committed := b
		e.lastCommitted = &committed
		delete(e.rounds, b.Height)
		e.pace.Close(b.Height)
	}
	e.mu.Unlock()

	for _, b := range done {
		finality := time.Duration(0)
		if start, ok := starts[b.Height]; ok {
			finality = now.Sub(start)
		}
		e.Metrics.RecordCommit(finality)
		if e.log != nil {
			e.log.Infow("commit", "height", b.Height, "hash", b.Hash, "finality_ms", finality.Milliseconds())
		}
	}

	if err != nil {
		e.halted.Store(true)
		if e.log != nil {
			e.log.Errorw("commit_failed_halting", "height", h, "err", err)
		}
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	if len(done) > 0 {
		e.Metrics.SetPipelineEfficiency(e.Pipeline.Utilization())
		e.ensureFrontier()
	}
	return nil
}

// ensureFrontier keeps consensus moving after commits: reopen the next
// height when the window emptied, or extend the window when a slot freed.
func (e *Engine) ensureFrontier() {
	e.mu.Lock()
	if len(e.rounds) > 0 {
		e.mu.Unlock()
		e.openNext()
		return
	}
	next := Height(1)
	if e.lastCommitted != nil {
		next = e.lastCommitted.Height + 1
	}
	leader, buffered := e.openHeightLocked(next)
	e.mu.Unlock()

	for _, m := range buffered {
		_ = e.enqueue(m)
	}
	if leader == e.self {
		e.propose(next, 0, 0)
	}
	e.openNext()
}

// ---- view changes ----

// TriggerViewChange is the operator override; it acts on the lowest open
// height, the one a stall actually blocks.
func (e *Engine) TriggerViewChange() {
	if e.halted.Load() {
		return
	}
	e.mu.Lock()
	var vc *ViewChangeMsg
	if min, ok := e.minOpenLocked(); ok {
		vc = e.startViewChangeLocked(e.rounds[min])
	}
	e.mu.Unlock()
	if vc != nil {
		e.broadcast(vc)
	}
}

// startViewChangeLocked flips one height into ViewChange and returns the
// signed view-change message to broadcast. Heights above it are abandoned:
// their proposals descend from a block that may now be replaced. Caller
// holds e.mu.
func (e *Engine) startViewChangeLocked(rs *RoundState) *ViewChangeMsg {
	h := rs.Height
	for hh := range e.rounds {
		if hh > h {
			delete(e.rounds, hh)
			e.Pipeline.Abandon(hh)
			e.pace.Close(hh)
		}
	}

	target := rs.View + 1
	if rs.IntendedView >= target {
		target = rs.IntendedView + 1
	}
	rs.IntendedView = target
	rs.ViewChangeActive = true
	rs.enterPhase(PhaseViewChange, e.clock.Now())
	e.pace.Escalate(h)
	e.pace.Arm(h, rs.View, rs.Round, PhaseViewChange)
	e.Metrics.RecordViewChange()

	var highest Height
	if h > 0 {
		highest = h - 1
	}
	vc := &ViewChangeMsg{
		FromView:         rs.View,
		ToView:           target,
		Validator:        e.self,
		HighestCommitted: highest,
		Signature:        e.deps.Crypto.Sign(ViewChangeSigningBytes(rs.View, target)),
	}
	if e.verbose() {
		e.log.Infow("view_change_start", "height", h, "from", rs.View, "to", target)
	}
	return vc
}

// CheckTimeout fires every elapsed phase timeout. Run calls this from its
// timer; tests drive it directly with a fake clock.
func (e *Engine) CheckTimeout() {
	if e.halted.Load() {
		return
	}
	for _, ev := range e.pace.Expired() {
		e.mu.Lock()
		rs, open := e.rounds[ev.Height]
		if !open || rs.View != ev.View || rs.Round != ev.Round {
			e.mu.Unlock()
			continue
		}
		switch rs.Phase {
		case PhasePrepare, PhasePreVote, PhasePreCommit, PhaseViewChange:
		default:
			e.mu.Unlock()
			continue
		}
		e.Metrics.RecordTimeout(ev)
		vc := e.startViewChangeLocked(rs)
		e.mu.Unlock()

		if vc != nil {
			e.broadcast(vc)
		}
	}
}

// viewChangeHeight recovers the height a view-change targets: the first
// height above the sender's highest committed block.
func viewChangeHeight(highestCommitted Height) Height { return highestCommitted + 1 }

func (e *Engine) processViewChange(vc *ViewChangeMsg) error {
	if e.halted.Load() {
		return nil
	}
	if !e.Registry.Contains(vc.Validator) {
		return nil
	}
	if !e.deps.Crypto.Verify(vc.Validator, ViewChangeSigningBytes(vc.FromView, vc.ToView), vc.Signature) {
		e.recordViolation(vc.Validator)
		return nil
	}
	h := viewChangeHeight(vc.HighestCommitted)

	e.mu.Lock()
	min, started := e.minOpenLocked()
	if !started || h < min {
		e.mu.Unlock()
		return nil
	}
	rs, open := e.rounds[h]
	if !open {
		e.future[h] = append(e.future[h], vc)
		e.mu.Unlock()
		return nil
	}
	view, round := rs.View, rs.Round
	ledger := rs.ViewChanges
	e.mu.Unlock()

	if vc.ToView <= view {
		return nil
	}

	if br := e.Safety.ObserveViewChange(vc, h, view, round); br != nil {
		// a leader caught abusing timeouts forfeits its view like a
		// double-voting one; other offenders are evidence-only
		e.mu.Lock()
		var own *ViewChangeMsg
		if rs, open := e.rounds[h]; open {
			leader, ok := e.Registry.LeaderFor(h, rs.View)
			if ok && leader == br.Validator && rs.Phase != PhaseViewChange {
				own = e.startViewChangeLocked(rs)
			}
		}
		e.mu.Unlock()
		if own != nil {
			e.broadcast(own)
		}
	}

	if ledger.Record(vc) {
		return e.onViewChangeQuorum(h, vc.ToView)
	}
	return nil
}

// onViewChangeQuorum fires once per (height, target view) when the stake
// behind it reaches the BFT threshold: the target leader issues NewView,
// everyone else parks in ViewChange waiting for it.
func (e *Engine) onViewChangeQuorum(h Height, target View) error {
	e.mu.Lock()
	rs, open := e.rounds[h]
	if !open || target <= rs.View {
		e.mu.Unlock()
		return nil
	}
	leader, ok := e.Registry.LeaderFor(h, target)
	if !ok {
		e.mu.Unlock()
		return nil
	}

	if leader != e.self {
		rs.ViewChangeActive = true
		if rs.Phase != PhaseViewChange {
			rs.enterPhase(PhaseViewChange, e.clock.Now())
		}
		e.pace.Arm(h, rs.View, rs.Round, PhaseViewChange)
		e.mu.Unlock()
		return nil
	}

	var pending []Block
	if rs.Proposal != nil {
		pending = append(pending, rs.Proposal.Block)
	}
	var highest Height
	if h > 0 {
		highest = h - 1
	}
	nv := &NewViewMsg{
		NewView:          target,
		Proposer:         e.self,
		HighestCommitted: highest,
		PendingBlocks:    pending,
		Signatures:       rs.ViewChanges.Signatures(target),
	}
	e.mu.Unlock()

	if e.verbose() {
		e.log.Infow("new_view_propose", "height", h, "view", target)
	}
	e.broadcast(nv)
	return nil
}

func (e *Engine) processNewView(nv *NewViewMsg) error {
	if e.halted.Load() {
		return nil
	}
	if !e.Registry.Contains(nv.Proposer) {
		return nil
	}
	h := viewChangeHeight(nv.HighestCommitted)

	e.mu.Lock()
	rs, open := e.rounds[h]
	if !open {
		e.mu.Unlock()
		return nil
	}
	currentView := rs.View
	ledger := rs.ViewChanges
	e.mu.Unlock()
	if nv.NewView <= currentView {
		return nil
	}

	leader, ok := e.Registry.LeaderFor(h, nv.NewView)
	if !ok || leader != nv.Proposer {
		e.recordViolation(nv.Proposer)
		return nil
	}

	// quorum check against the local view-change ledger; an under-covered
	// NewView is a transient failure that re-escalates
	if !ledger.Quorate(nv.NewView) {
		e.mu.Lock()
		var vc *ViewChangeMsg
		if rs, open := e.rounds[h]; open {
			vc = e.startViewChangeLocked(rs)
		}
		e.mu.Unlock()
		if vc != nil {
			e.broadcast(vc)
		}
		return nil
	}

	now := e.clock.Now()
	e.mu.Lock()
	rs, open = e.rounds[h]
	if !open || nv.NewView <= rs.View {
		e.mu.Unlock()
		return nil
	}
	rs.View = nv.NewView
	rs.Round = 0
	rs.Proposal = nil
	rs.ViewChangeActive = false
	rs.IntendedView = nv.NewView
	rs.enterPhase(PhasePrepare, now)
	rs.Votes = NewTracker(e.Registry)
	if e.aggregate != nil {
		rs.Votes.EnableAggregation(e.aggregate)
	}
	rs.ViewChanges.SetNewView(nv)
	rs.ViewChanges.PruneThrough(nv.NewView)
	e.pace.Arm(h, nv.NewView, 0, PhasePrepare)
	buffered := rs.pendingViews[nv.NewView]
	delete(rs.pendingViews, nv.NewView)
	e.mu.Unlock()

	if e.verbose() {
		e.log.Infow("new_view_adopt", "height", h, "view", nv.NewView, "leader", leader)
	}
	for _, m := range buffered {
		_ = e.enqueue(m)
	}
	if leader == e.self {
		e.propose(h, nv.NewView, 0)
	}
	return nil
}

// ---- status ----

type QueueLengths struct {
	Proposals   int
	Votes       int
	ViewChanges int
	NewViews    int
}

type PipelineStatus struct {
	ActiveSlots int
	MaxParallel int
	Utilization float64
}

// Status is the monitoring snapshot exposed to the host process. Height,
// view, round, and phase describe the lowest uncommitted height; higher
// pipelined heights show up in the pipeline slot counts.
type Status struct {
	Height             Height
	View               View
	Round              Round
	Phase              Phase
	RoundElapsed       time.Duration
	ValidatorCount     int
	TotalStake         uint64
	BFTThreshold       uint64
	FastThreshold      uint64
	Queues             QueueLengths
	Pipeline           PipelineStatus
	Metrics            MetricsSnapshot
	Faults             FaultMetrics
	ProtocolViolations uint64
	ByzantineRecords   []ByzantineRecord
	Halted             bool
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	var (
		height  Height
		view    View
		round   Round
		phase   = PhasePrepare
		elapsed time.Duration
	)
	if min, ok := e.minOpenLocked(); ok {
		rs := e.rounds[min]
		height, view, round, phase = rs.Height, rs.View, rs.Round, rs.Phase
		elapsed = e.clock.Now().Sub(rs.RoundStart)
	} else if e.lastCommitted != nil {
		height = e.lastCommitted.Height + 1
	}
	e.mu.Unlock()

	return Status{
		Height:         height,
		View:           view,
		Round:          round,
		Phase:          phase,
		RoundElapsed:   elapsed,
		ValidatorCount: e.Registry.Count(),
		TotalStake:     e.Registry.TotalStake(),
		BFTThreshold:   e.Registry.BFTThreshold(),
		FastThreshold:  e.Registry.FastThreshold(),
		Queues: QueueLengths{
			Proposals:   len(e.proposalQ),
			Votes:       len(e.voteQ),
			ViewChanges: len(e.viewChangeQ),
			NewViews:    len(e.newViewQ),
		},
		Pipeline: PipelineStatus{
			ActiveSlots: e.Pipeline.ActiveSlots(),
			MaxParallel: e.Pipeline.MaxParallel(),
			Utilization: e.Pipeline.Utilization(),
		},
		Metrics:            e.Metrics.Snapshot(),
		Faults:             e.Safety.Metrics(),
		ProtocolViolations: e.violationTotal(),
		ByzantineRecords:   e.Safety.Records(),
		Halted:             e.halted.Load(),
	}
}
