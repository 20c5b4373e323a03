// file: pkg/consensus/registry.go
package consensus

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ccx404/ccbft/pkg/util"
)

// Performance counters for a single validator. Response time is an EMA with
// smoothing factor 0.1; a fault incident multiplies availability by 0.95.
type Performance struct {
	BlocksProposed  uint64
	BlocksValidated uint64
	ResponseTime    time.Duration
	Availability    float64
	FaultIncidents  uint64
}

type ValidatorRecord struct {
	ID         ValidatorID
	Stake      uint64
	Reputation float64
	Address    string
	LastActive time.Time
	Perf       Performance
}

// PerfEvent is the tagged performance update.
type PerfEventTag uint8

const (
	PerfBlockProposed PerfEventTag = iota
	PerfBlockValidated
	PerfResponseTime
	PerfFaultIncident
)

type PerfEvent struct {
	Tag      PerfEventTag
	Duration time.Duration // set for PerfResponseTime
}

const perfSmoothing = 0.1

// maxTotalStake bounds threshold math: (2*total) must not overflow uint64.
const maxTotalStake = uint64(math.MaxInt64)

// Registry holds the validator set and the thresholds derived from it.
// Readers are many (tracker, safety monitor, view-change manager); only the
// consensus state machine mutates it.
type Registry struct {
	mu            sync.RWMutex
	validators    map[ValidatorID]*ValidatorRecord
	order         []ValidatorID // ids ascending by byte order
	totalStake    uint64
	bftThreshold  uint64
	fastThreshold uint64
	clock         util.Clock
}

func NewRegistry(clock util.Clock) *Registry {
	return &Registry{
		validators: make(map[ValidatorID]*ValidatorRecord),
		clock:      clock,
	}
}

// Install replaces the whole set. Rejects sets with fewer than 4 validators,
// zero total stake, or a total stake that breaks threshold math.
func (r *Registry) Install(set map[ValidatorID]ValidatorRecord) error {
	if len(set) < 4 {
		return fmt.Errorf("%w: got %d validators", ErrInvalidValidatorSet, len(set))
	}
	var total uint64
	for _, rec := range set {
		next := total + rec.Stake
		if next < total {
			return ErrStakeOverflow
		}
		total = next
	}
	if total == 0 {
		return fmt.Errorf("%w: zero total stake", ErrInvalidValidatorSet)
	}
	if total > maxTotalStake {
		return ErrStakeOverflow
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = make(map[ValidatorID]*ValidatorRecord, len(set))
	now := r.clock.Now()
	for id, rec := range set {
		v := rec
		v.ID = id
		if v.Reputation == 0 {
			v.Reputation = 1.0
		}
		if v.LastActive.IsZero() {
			v.LastActive = now
		}
		v.Perf = Performance{
			ResponseTime: 100 * time.Millisecond,
			Availability: 1.0,
		}
		r.validators[id] = &v
	}
	r.recompute()
	return nil
}

// ApplyDelta applies add/remove/stake-change entries atomically and
// recomputes thresholds. Remove/UpdateStake of an unknown id is a no-op.
func (r *Registry) ApplyDelta(changes []ValidatorChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[ValidatorID]*ValidatorRecord, len(r.validators))
	for id, rec := range r.validators {
		cp := *rec
		staged[id] = &cp
	}
	for _, c := range changes {
		switch c.Type {
		case ChangeAdd:
			staged[c.Validator] = &ValidatorRecord{
				ID:         c.Validator,
				Stake:      c.Stake,
				Reputation: 1.0,
				LastActive: r.clock.Now(),
				Perf: Performance{
					ResponseTime: 100 * time.Millisecond,
					Availability: 1.0,
				},
			}
		case ChangeRemove:
			delete(staged, c.Validator)
		case ChangeUpdateStake:
			if rec, ok := staged[c.Validator]; ok {
				rec.Stake = c.Stake
			}
		default:
			return fmt.Errorf("registry: unknown change type %d", c.Type)
		}
	}

	var total uint64
	for _, rec := range staged {
		next := total + rec.Stake
		if next < total {
			return ErrStakeOverflow
		}
		total = next
	}
	if len(staged) < 4 || total == 0 {
		return fmt.Errorf("%w: delta leaves %d validators with stake %d",
			ErrInvalidValidatorSet, len(staged), total)
	}
	if total > maxTotalStake {
		return ErrStakeOverflow
	}

	r.validators = staged
	r.recompute()
	return nil
}

// recompute rebuilds ordering and thresholds. Caller holds the write lock.
func (r *Registry) recompute() {
	r.order = r.order[:0]
	var total uint64
	for id, rec := range r.validators {
		r.order = append(r.order, id)
		total += rec.Stake
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].Less(r.order[j]) })
	r.totalStake = total
	r.bftThreshold = (total*2)/3 + 1
	r.fastThreshold = total/2 + 1
}

// LeaderFor is a pure function of (set, height, view): validators ordered by
// id bytes ascending, index (height+view) mod N. Every honest node with the
// same set reproduces the same answer.
func (r *Registry) LeaderFor(height Height, view View) (ValidatorID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ValidatorID{}, false
	}
	idx := (uint64(height) + uint64(view)) % uint64(len(r.order))
	return r.order[idx], true
}

func (r *Registry) Contains(id ValidatorID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[id]
	return ok
}

func (r *Registry) Stake(id ValidatorID) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.validators[id]
	if !ok {
		return 0, false
	}
	return rec.Stake, true
}

func (r *Registry) TotalStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalStake
}

func (r *Registry) BFTThreshold() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bftThreshold
}

func (r *Registry) FastThreshold() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fastThreshold
}

// FastPathSafe reports whether the fast path may be used: it is disabled
// when any single validator's stake alone reaches the fast threshold, since
// that validator could then carry a PreVote quorum by itself.
func (r *Registry) FastPathSafe() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.validators {
		if rec.Stake >= r.fastThreshold {
			return false
		}
	}
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// RecordPerformance applies one performance event to a validator.
func (r *Registry) RecordPerformance(id ValidatorID, ev PerfEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.validators[id]
	if !ok {
		return
	}
	rec.LastActive = r.clock.Now()
	switch ev.Tag {
	case PerfBlockProposed:
		rec.Perf.BlocksProposed++
	case PerfBlockValidated:
		rec.Perf.BlocksValidated++
	case PerfResponseTime:
		old := rec.Perf.ResponseTime.Seconds()
		rec.Perf.ResponseTime = time.Duration(
			(perfSmoothing*ev.Duration.Seconds() + (1-perfSmoothing)*old) * float64(time.Second))
	case PerfFaultIncident:
		rec.Perf.FaultIncidents++
		rec.Perf.Availability *= 0.95
	}
}

// Performance returns a copy of the validator's counters.
func (r *Registry) Performance(id ValidatorID) (Performance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.validators[id]
	if !ok {
		return Performance{}, false
	}
	return rec.Perf, true
}

// Records returns a snapshot of all validator records, id order ascending.
func (r *Registry) Records() []ValidatorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ValidatorRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.validators[id])
	}
	return out
}
