package state

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/willf/bloom"
)

// tracker implements Store on an in-memory snapshot. Every mutation is built
// on a copy and only becomes visible once persist succeeds.
type tracker struct {
	mu      sync.Mutex
	snap    Snapshot
	now     func() time.Time
	persist func(Snapshot) error

	// flows only short-circuits lookups of unseen flow ids; a hit is always
	// confirmed against the address's FlowIDs.
	flows *bloom.BloomFilter

	// reload returns the persisted snapshot when it changed behind our back.
	reload func() (Snapshot, bool)
}

func newTracker(snap Snapshot, now func() time.Time, persist func(Snapshot) error) *tracker {
	t := &tracker{now: now, persist: persist}
	t.replace(snap)
	return t
}

// replace swaps in snap and rebuilds the flow index. Callers hold mu or own t.
func (t *tracker) replace(snap Snapshot) {
	if snap.Addresses == nil {
		snap.Addresses = make(map[string]AddressState)
	}
	t.snap = snap
	t.flows = bloom.NewWithEstimates(10000, 0.01)
	for _, st := range snap.Addresses {
		t.indexFlows(st.FlowIDs)
	}
}

func (t *tracker) indexFlows(flowIDs []string) {
	for _, f := range flowIDs {
		t.flows.Add([]byte(f))
	}
}

// syncLocked picks up writes made by another process, such as an operator
// reset. mu must be held for writing.
func (t *tracker) syncLocked() {
	if t.reload == nil {
		return
	}
	if snap, changed := t.reload(); changed {
		t.replace(snap)
	}
}

func (t *tracker) DiffAgainstLast(observed Observation) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()

	var out []string
	for _, addr := range observed.Addresses() {
		st, ok := t.snap.Addresses[addr]
		if !ok || st.Status != StatusCompleted || t.hasNewFlow(st, observed[addr]) {
			out = append(out, addr)
		}
	}
	return out
}

func (t *tracker) hasNewFlow(st AddressState, flowIDs []string) bool {
	for _, f := range flowIDs {
		if !t.flows.Test([]byte(f)) {
			return true
		}
		if !slices.Contains(st.FlowIDs, f) {
			return true
		}
	}
	return false
}

func (t *tracker) RecordObserved(observed Observation) error {
	var added []string
	err := t.mutate(func(s *Snapshot) error {
		now := t.now()
		for _, addr := range observed.Addresses() {
			st, ok := s.Addresses[addr]
			if !ok {
				st = AddressState{Address: addr, Status: StatusPending}
			}
			fresh := false
			for _, f := range observed[addr] {
				if slices.Contains(st.FlowIDs, f) {
					continue
				}
				st.FlowIDs = append(st.FlowIDs, f)
				added = append(added, f)
				fresh = true
			}
			// A Completed address is re-armed only by a flow it has not seen.
			if st.Status != StatusCompleted || fresh {
				st.Status = StatusPending
				st.LastUpdate = now
			}
			s.Addresses[addr] = st
		}
		s.LastAddresses = observed.Addresses()
		s.LastUpdate = &now
		return nil
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.indexFlows(added)
	t.mu.Unlock()
	return nil
}

func (t *tracker) UpdateStatus(address string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return t.mutate(func(s *Snapshot) error {
		st, ok := s.Addresses[address]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
		}
		if st.Status == StatusCompleted && status == StatusPending {
			return fmt.Errorf("%w: %s", ErrRegression, address)
		}
		now := t.now()
		st.Status = status
		st.LastUpdate = now
		s.Addresses[address] = st
		s.LastUpdate = &now
		return nil
	})
}

func (t *tracker) Reset(address string) error {
	return t.mutate(func(s *Snapshot) error {
		if _, ok := s.Addresses[address]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
		}
		delete(s.Addresses, address)
		s.LastAddresses = slices.DeleteFunc(s.LastAddresses, func(a string) bool { return a == address })
		return nil
	})
}

func (t *tracker) Get(address string) (AddressState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	st, ok := t.snap.Addresses[address]
	if !ok {
		return AddressState{}, false
	}
	st.FlowIDs = slices.Clone(st.FlowIDs)
	return st, true
}

func (t *tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	return t.snap.clone()
}

// Counts returns the number of tracked addresses per status.
func (t *tracker) Counts() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, st := range t.snap.Addresses {
		counts[st.Status]++
	}
	return counts
}

func (t *tracker) mutate(fn func(s *Snapshot) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()

	next := t.snap.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if t.persist != nil {
		if err := t.persist(next); err != nil {
			return err
		}
	}
	t.snap = next
	return nil
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		LastAddresses: slices.Clone(s.LastAddresses),
		Addresses:     make(map[string]AddressState, len(s.Addresses)),
	}
	if s.LastUpdate != nil {
		ts := *s.LastUpdate
		out.LastUpdate = &ts
	}
	for k, v := range s.Addresses {
		v.FlowIDs = slices.Clone(v.FlowIDs)
		out.Addresses[k] = v
	}
	return out
}
