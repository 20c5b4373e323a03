// file: pkg/consensus/state.go
package consensus

import "time"

// RoundState is one in-flight height's consensus state, exclusively owned
// by the state machine. With pipelining several heights carry a RoundState
// at once; each owns its vote tracker and view-change ledger so slots of
// different heights never collide.
type RoundState struct {
	Height           Height
	View             View
	Round            Round
	Phase            Phase
	Proposal         *Proposal
	ViewChangeActive bool
	IntendedView     View // highest view this node has asked to move to
	RoundStart       time.Time
	PhaseStart       time.Time

	Votes       *Tracker
	ViewChanges *ViewChangeManager

	// messages for views this height has not reached yet
	pendingViews map[View][]Message
}

func newRoundState(h Height, now time.Time, reg *Registry, aggregate func([][]byte) ([]byte, error)) *RoundState {
	rs := &RoundState{
		Height:       h,
		View:         0,
		Round:        0,
		Phase:        PhasePrepare,
		RoundStart:   now,
		PhaseStart:   now,
		Votes:        NewTracker(reg),
		ViewChanges:  NewViewChangeManager(reg),
		pendingViews: make(map[View][]Message),
	}
	if aggregate != nil {
		rs.Votes.EnableAggregation(aggregate)
	}
	return rs
}

// enterPhase transitions the phase and restarts the phase timer base. The
// phase start is reset on every entry so a fast PreVote cannot eat the
// PreCommit budget.
func (s *RoundState) enterPhase(p Phase, now time.Time) {
	s.Phase = p
	s.PhaseStart = now
}
