// file: pkg/consensus/safety.go
package consensus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccx404/ccbft/pkg/util"
)

// ByzantineKind classifies detected misbehavior.
type ByzantineKind uint8

const (
	ByzDoubleVoting ByzantineKind = iota
	ByzEquivocation
	ByzInvalidProposal
	ByzTimeoutAbuse
)

func (k ByzantineKind) String() string {
	switch k {
	case ByzDoubleVoting:
		return "double_voting"
	case ByzEquivocation:
		return "equivocation"
	case ByzInvalidProposal:
		return "invalid_proposal"
	case ByzTimeoutAbuse:
		return "timeout_abuse"
	}
	return "unknown"
}

// ByzantineRecord is the evidence unit handed to the storage collaborator
// for slashing. Evidence holds the canonical encodings of BOTH conflicting
// signed messages, so slashing can verify the signatures independently.
type ByzantineRecord struct {
	Validator  ValidatorID
	Kind       ByzantineKind
	DetectedAt time.Time
	Severity   float64
	Evidence   [][]byte
}

// RecoveryKind tags the optional recovery requests detections emit.
type RecoveryKind uint8

const (
	RecoveryValidatorRemoval RecoveryKind = iota
	RecoveryConsensusRestart
)

type RecoveryRequest struct {
	Kind      RecoveryKind
	Validator ValidatorID
	StartedAt time.Time
}

type FaultMetrics struct {
	TotalFaults        uint64
	ByzantineIncidents uint64
	Recoveries         uint64
}

type proposalSlot struct {
	height Height
	view   View
	round  Round
}

type voteSlot struct {
	tag    VoteTag
	height Height
	view   View
	round  Round
}

type signedEvidence struct {
	hash   Hash
	signed []byte // canonical wire encoding of the signed message
}

type safetyRecord struct {
	proposals map[proposalSlot]signedEvidence
	votes     map[voteSlot]signedEvidence
	incidents int
}

// Monitor receives every action the local node takes or observes, keeps the
// per-validator safety record, and flags equivocation synchronously before
// the message is admitted to the state machine. Detection never blocks
// honest progress; it only produces evidence and metrics.
type Monitor struct {
	mu         sync.RWMutex
	registry   *Registry
	clock      util.Clock
	log        *zap.SugaredLogger
	records    map[ValidatorID]*safetyRecord
	byzantine  []ByzantineRecord
	recoveries []RecoveryRequest
	metrics    FaultMetrics
}

func NewMonitor(reg *Registry, clock util.Clock, log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		registry: reg,
		clock:    clock,
		log:      log,
		records:  make(map[ValidatorID]*safetyRecord),
	}
}

func (m *Monitor) record(id ValidatorID) *safetyRecord {
	rec, ok := m.records[id]
	if !ok {
		rec = &safetyRecord{
			proposals: make(map[proposalSlot]signedEvidence),
			votes:     make(map[voteSlot]signedEvidence),
		}
		m.records[id] = rec
	}
	return rec
}

// flag records an incident under the lock and mirrors it to the registry's
// availability bookkeeping after release.
func (m *Monitor) flag(validator ValidatorID, kind ByzantineKind, severity float64, evidence [][]byte) *ByzantineRecord {
	br := ByzantineRecord{
		Validator:  validator,
		Kind:       kind,
		DetectedAt: m.clock.Now(),
		Severity:   severity,
		Evidence:   evidence,
	}
	m.byzantine = append(m.byzantine, br)
	m.record(validator).incidents++
	m.metrics.TotalFaults++
	m.metrics.ByzantineIncidents++
	m.recoveries = append(m.recoveries, RecoveryRequest{
		Kind:      RecoveryValidatorRemoval,
		Validator: validator,
		StartedAt: br.DetectedAt,
	})
	m.metrics.Recoveries++
	if m.log != nil {
		m.log.Warnw("byzantine_detected",
			"validator", validator, "kind", kind.String(), "severity", severity)
	}
	return &br
}

// ObserveProposal records a proposal (own or peer) and returns a non-nil
// record when the proposer equivocated or the block failed validation.
func (m *Monitor) ObserveProposal(p *Proposal, valid bool) *ByzantineRecord {
	signed, _ := Encode(p)

	m.mu.Lock()
	rec := m.record(p.Proposer)
	key := proposalSlot{p.Block.Height, p.View, p.Round}

	var found *ByzantineRecord
	if prev, ok := rec.proposals[key]; ok && prev.hash != p.Block.Hash {
		found = m.flag(p.Proposer, ByzEquivocation, 0.9, [][]byte{prev.signed, signed})
	} else if !ok {
		rec.proposals[key] = signedEvidence{hash: p.Block.Hash, signed: signed}
	}
	if found == nil && !valid {
		found = m.flag(p.Proposer, ByzInvalidProposal, 0.8, [][]byte{signed})
	}
	m.mu.Unlock()

	if found != nil {
		m.registry.RecordPerformance(p.Proposer, PerfEvent{Tag: PerfFaultIncident})
	}
	return found
}

// ObserveVote records a block vote and returns a non-nil record when the
// voter double-voted in the same (phase, height, view, round) slot. Both
// conflicting signed votes are retained as evidence.
func (m *Monitor) ObserveVote(v *Vote) *ByzantineRecord {
	switch v.Kind.Tag {
	case TagPreVote, TagPreCommit, TagCommit:
	default:
		return nil
	}
	signed, _ := Encode(v)

	m.mu.Lock()
	rec := m.record(v.Voter)
	key := voteSlot{v.Kind.Tag, v.Height, v.View, v.Round}

	var found *ByzantineRecord
	if prev, ok := rec.votes[key]; ok && prev.hash != v.BlockHash {
		found = m.flag(v.Voter, ByzDoubleVoting, 0.9, [][]byte{prev.signed, signed})
	} else if !ok {
		rec.votes[key] = signedEvidence{hash: v.BlockHash, signed: signed}
	}
	m.mu.Unlock()

	if found != nil {
		m.registry.RecordPerformance(v.Voter, PerfEvent{Tag: PerfFaultIncident})
	}
	return found
}

// ObserveViewChange cross-indexes the sender's safety record: issuing a
// view-change after voting PreCommit in the current round is timeout abuse.
func (m *Monitor) ObserveViewChange(vc *ViewChangeMsg, height Height, view View, round Round) *ByzantineRecord {
	signed, _ := Encode(vc)

	m.mu.Lock()
	rec := m.record(vc.Validator)
	key := voteSlot{TagPreCommit, height, view, round}

	var found *ByzantineRecord
	if prev, ok := rec.votes[key]; ok {
		found = m.flag(vc.Validator, ByzTimeoutAbuse, 0.7, [][]byte{prev.signed, signed})
	}
	m.mu.Unlock()

	if found != nil {
		m.registry.RecordPerformance(vc.Validator, PerfEvent{Tag: PerfFaultIncident})
	}
	return found
}

// IsByzantine reports whether any incident has been recorded for id.
func (m *Monitor) IsByzantine(id ValidatorID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return ok && rec.incidents > 0
}

// Records returns a copy of the accumulated evidence, oldest first.
func (m *Monitor) Records() []ByzantineRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ByzantineRecord, len(m.byzantine))
	copy(out, m.byzantine)
	return out
}

// DrainRecoveries hands out and clears pending recovery requests.
func (m *Monitor) DrainRecoveries() []RecoveryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.recoveries
	m.recoveries = nil
	return out
}

func (m *Monitor) Metrics() FaultMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
