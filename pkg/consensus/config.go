// file: pkg/consensus/config.go
package consensus

import "time"

// Config carries the recognized engine options.
type Config struct {
	ProposalTimeout   time.Duration
	PreVoteTimeout    time.Duration
	PreCommitTimeout  time.Duration
	ViewChangeTimeout time.Duration

	// MaxParallelBlocks is the pipeline capacity; 1 disables pipelining.
	MaxParallelBlocks int

	FastPathEnabled     bool
	AdaptiveTimeouts    bool
	PipeliningEnabled   bool
	AggregateSignatures bool
}

// maxAdaptiveTimeout caps the multiplicative back-off.
const maxAdaptiveTimeout = 30 * time.Second

func DefaultConfig() Config {
	return Config{
		ProposalTimeout:     1000 * time.Millisecond,
		PreVoteTimeout:      500 * time.Millisecond,
		PreCommitTimeout:    500 * time.Millisecond,
		ViewChangeTimeout:   10 * time.Second,
		MaxParallelBlocks:   10,
		FastPathEnabled:     true,
		AdaptiveTimeouts:    true,
		PipeliningEnabled:   true,
		AggregateSignatures: true,
	}
}

// phaseTimeout returns the configured base timeout for a waiting phase.
func (c Config) phaseTimeout(p Phase) time.Duration {
	switch p {
	case PhasePrepare:
		return c.ProposalTimeout
	case PhasePreVote:
		return c.PreVoteTimeout
	case PhasePreCommit:
		return c.PreCommitTimeout
	case PhaseViewChange:
		return c.ViewChangeTimeout
	}
	return 5 * time.Second
}

// effectiveTimeout applies the adaptive multiplier 2^escalations, capped.
func (c Config) effectiveTimeout(p Phase, escalations uint32) time.Duration {
	d := c.phaseTimeout(p)
	if !c.AdaptiveTimeouts || escalations == 0 {
		return d
	}
	for i := uint32(0); i < escalations; i++ {
		d *= 2
		if d >= maxAdaptiveTimeout {
			return maxAdaptiveTimeout
		}
	}
	return d
}
