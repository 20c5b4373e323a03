// file: pkg/consensus/pacemaker.go
package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/ccx404/ccbft/pkg/util"
)

// phaseTimer is one height's armed phase deadline. The escalation counter
// lives here so adaptive back-off survives re-arms within the height and
// dies with it.
type phaseTimer struct {
	view        View
	round       Round
	phase       Phase
	escalations uint32
	armedAt     time.Time
	timeout     time.Duration
	active      bool
}

// Pacemaker is a timer wheel keyed by height: every in-flight height keeps
// one rearmable phase timer. Phase entry arms it; view changes and commits
// rearm or close it. One wheel instead of per-phase sleep tasks keeps view
// changes from thrashing goroutines.
type Pacemaker struct {
	mu     sync.Mutex
	cfg    Config
	clock  util.Clock
	timers map[Height]*phaseTimer
}

func NewPacemaker(cfg Config, clock util.Clock) *Pacemaker {
	return &Pacemaker{cfg: cfg, clock: clock, timers: make(map[Height]*phaseTimer)}
}

// timer returns the height's slot, creating it. Caller holds the lock.
func (p *Pacemaker) timer(h Height) *phaseTimer {
	t, ok := p.timers[h]
	if !ok {
		t = &phaseTimer{}
		p.timers[h] = t
	}
	return t
}

// Arm starts the phase timer for (h, v, r).
func (p *Pacemaker) Arm(h Height, v View, r Round, phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.timer(h)
	t.view, t.round, t.phase = v, r, phase
	t.armedAt = p.clock.Now()
	t.timeout = p.cfg.effectiveTimeout(phase, t.escalations)
	t.active = true
}

// Escalate doubles the height's subsequent adaptive timeouts (one step per
// view change within the height).
func (p *Pacemaker) Escalate(h Height) {
	p.mu.Lock()
	p.timer(h).escalations++
	p.mu.Unlock()
}

// Close drops the height's timer entirely; commits and abandoned heights
// end up here.
func (p *Pacemaker) Close(h Height) {
	p.mu.Lock()
	delete(p.timers, h)
	p.mu.Unlock()
}

// Disarm stops the timer but keeps the height's escalation state.
func (p *Pacemaker) Disarm(h Height) {
	p.mu.Lock()
	if t, ok := p.timers[h]; ok {
		t.active = false
	}
	p.mu.Unlock()
}

// Expired returns one event per armed timer whose deadline has elapsed,
// ascending by height. Timers stay armed until rearmed or closed, so a
// caller that ignores an expiry sees it again.
func (p *Pacemaker) Expired() []TimeoutEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var out []TimeoutEvent
	for h, t := range p.timers {
		if !t.active {
			continue
		}
		elapsed := now.Sub(t.armedAt)
		if elapsed <= t.timeout {
			continue
		}
		out = append(out, TimeoutEvent{
			Height:  h,
			View:    t.view,
			Round:   t.round,
			Phase:   t.phase,
			Elapsed: elapsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// Remaining is the time until the next armed deadline; ok=false when no
// timer is armed.
func (p *Pacemaker) Remaining() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var min time.Duration
	found := false
	for _, t := range p.timers {
		if !t.active {
			continue
		}
		rem := t.timeout - now.Sub(t.armedAt)
		if rem < 0 {
			rem = 0
		}
		if !found || rem < min {
			min = rem
			found = true
		}
	}
	return min, found
}

// Escalations exposes a height's back-off step, used for diagnostics.
func (p *Pacemaker) Escalations(h Height) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[h]; ok {
		return t.escalations
	}
	return 0
}
