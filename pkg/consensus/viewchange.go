// file: pkg/consensus/viewchange.go
package consensus

import "sync"

// viewChangeEntry is the ledger line for one target view.
type viewChangeEntry struct {
	voters     map[ValidatorID]*ViewChangeMsg
	stake      uint64
	triggered  bool
	newViewMsg *NewViewMsg
}

// ViewChangeManager keeps the view-change ledger: who voted for which target
// view, the accumulated stake behind each, and the NewView proposal once one
// exists. A target view is quorate when its stake reaches the registry's
// BFT threshold.
type ViewChangeManager struct {
	mu       sync.RWMutex
	registry *Registry
	entries  map[View]*viewChangeEntry
}

func NewViewChangeManager(reg *Registry) *ViewChangeManager {
	return &ViewChangeManager{
		registry: reg,
		entries:  make(map[View]*viewChangeEntry),
	}
}

func (vm *ViewChangeManager) entry(target View) *viewChangeEntry {
	e, ok := vm.entries[target]
	if !ok {
		e = &viewChangeEntry{voters: make(map[ValidatorID]*ViewChangeMsg)}
		vm.entries[target] = e
	}
	return e
}

// Record adds a view-change vote. The bool result is true exactly once per
// target view: on the vote that pushes the stake to quorum.
func (vm *ViewChangeManager) Record(vc *ViewChangeMsg) bool {
	stake, ok := vm.registry.Stake(vc.Validator)
	if !ok {
		return false
	}
	threshold := vm.registry.BFTThreshold()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	e := vm.entry(vc.ToView)
	if _, voted := e.voters[vc.Validator]; voted {
		return false
	}
	e.voters[vc.Validator] = vc
	e.stake += stake
	if !e.triggered && e.stake >= threshold {
		e.triggered = true
		return true
	}
	return false
}

// Stake returns the accumulated view-change stake behind a target view.
func (vm *ViewChangeManager) Stake(target View) uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if e, ok := vm.entries[target]; ok {
		return e.stake
	}
	return 0
}

// Quorate reports whether the ledger already holds a BFT quorum for target.
func (vm *ViewChangeManager) Quorate(target View) bool {
	return vm.Stake(target) >= vm.registry.BFTThreshold()
}

// Signatures returns the collected view-change signatures for a target view,
// for inclusion in the NewView proposal.
func (vm *ViewChangeManager) Signatures(target View) [][]byte {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	e, ok := vm.entries[target]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(e.voters))
	for _, vc := range e.voters {
		out = append(out, vc.Signature)
	}
	return out
}

// SetNewView stores the adopted NewView proposal for a target view.
func (vm *ViewChangeManager) SetNewView(nv *NewViewMsg) {
	vm.mu.Lock()
	vm.entry(nv.NewView).newViewMsg = nv
	vm.mu.Unlock()
}

// NewView returns the stored NewView proposal for a target view, if any.
func (vm *ViewChangeManager) NewView(target View) (*NewViewMsg, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	e, ok := vm.entries[target]
	if !ok || e.newViewMsg == nil {
		return nil, false
	}
	return e.newViewMsg, true
}

// PruneThrough drops ledger entries for views at or below adopted. Called
// when a new view is adopted so abandoned targets stop accumulating.
func (vm *ViewChangeManager) PruneThrough(adopted View) {
	vm.mu.Lock()
	for v := range vm.entries {
		if v <= adopted {
			delete(vm.entries, v)
		}
	}
	vm.mu.Unlock()
}

// Reset clears the whole ledger.
func (vm *ViewChangeManager) Reset() {
	vm.mu.Lock()
	vm.entries = make(map[View]*viewChangeEntry)
	vm.mu.Unlock()
}
