// Package state records which attacking addresses have been seen and what
// happened when mitigation was attempted for them.
package state

import (
	"errors"
	"sort"
	"time"
)

// Status is the mitigation status of one address.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// AllStatuses lists every status, in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusCompleted, StatusPartial, StatusFailed, StatusError}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusPartial, StatusFailed, StatusError:
		return true
	}
	return false
}

var (
	ErrUnknownAddress = errors.New("address is not tracked")
	ErrInvalidStatus  = errors.New("invalid status")
	// ErrRegression is returned when asked to move a Completed address back to Pending.
	ErrRegression = errors.New("completed address cannot revert to pending")
)

// AddressState is the persisted record for one address.
type AddressState struct {
	Address    string    `json:"address"`
	Status     Status    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
	FlowIDs    []string  `json:"flowIds"`
}

// Observation maps each address seen in a cycle to its flow ids, in feed order.
type Observation map[string][]string

// Addresses returns the observed addresses sorted for deterministic processing.
func (o Observation) Addresses() []string {
	out := make([]string, 0, len(o))
	for a := range o {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Add appends flowID to address, ignoring repeats.
func (o Observation) Add(address, flowID string) {
	for _, f := range o[address] {
		if f == flowID {
			return
		}
	}
	o[address] = append(o[address], flowID)
}

// Snapshot is the full persisted document.
type Snapshot struct {
	LastAddresses []string                `json:"lastAddresses"`
	LastUpdate    *time.Time              `json:"lastUpdate"`
	Addresses     map[string]AddressState `json:"addresses"`
}

// Store owns address state. The watchdog is its only regular writer; the
// file-backed store also picks up operator edits made by hipsctl.
type Store interface {
	// DiffAgainstLast returns the observed addresses that need mitigation:
	// those not Completed, plus Completed ones reported with a new flow id.
	DiffAgainstLast(observed Observation) []string
	// RecordObserved upserts Pending entries and appends unseen flow ids.
	RecordObserved(observed Observation) error
	// UpdateStatus records the outcome of a mitigation attempt.
	UpdateStatus(address string, status Status) error
	// Reset forgets an address so that it is mitigated again when next seen.
	Reset(address string) error
	Get(address string) (AddressState, bool)
	Snapshot() Snapshot
}
