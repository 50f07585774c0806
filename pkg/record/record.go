// Package record defines the domain model for governance records and their
// revision history: a Record is a governance entity (dispute, policy,
// meeting minutes, ...) tracked through an append-only list of Revisions.
package record

import (
	"time"

	"github.com/trustdesk/govrec/pkg/payload"
)

// ModuleType identifies the governance module a record belongs to.
type ModuleType string

const (
	ModuleMinutes      ModuleType = "minutes"
	ModuleDistribution ModuleType = "distribution"
	ModuleDispute      ModuleType = "dispute"
	ModuleInsurance    ModuleType = "insurance"
	ModuleCompensation ModuleType = "compensation"
)

// Valid reports whether mt is one of the known module types.
func (mt ModuleType) Valid() bool {
	switch mt {
	case ModuleMinutes, ModuleDistribution, ModuleDispute, ModuleInsurance, ModuleCompensation:
		return true
	}
	return false
}

// ChangeType categorizes why a revision exists.
type ChangeType string

const (
	ChangeInitial    ChangeType = "initial"
	ChangeAmendment  ChangeType = "amendment"
	ChangeCorrection ChangeType = "correction"
	ChangeVoid       ChangeType = "void"
)

// RevisionState is the mutability state of a single revision.
type RevisionState string

const (
	StateDraft     RevisionState = "draft"
	StateFinalized RevisionState = "finalized"
)

// RecordStatus is derived from the record's current revision plus the void
// flag. Exactly one status holds at any time.
type RecordStatus string

const (
	StatusDraft     RecordStatus = "draft"
	StatusFinalized RecordStatus = "finalized"
	StatusVoided    RecordStatus = "voided"
)

// Record is a governance entity. It exclusively owns its revisions; a
// revision never outlives its record.
type Record struct {
	ID                string     `json:"id"`
	ModuleType        ModuleType `json:"module_type"`
	Title             string     `json:"title"`
	RMID              string     `json:"rm_id,omitempty"`
	CurrentRevisionID string     `json:"current_revision_id"`
	// CurrentVersion mirrors the current revision's version so status and
	// conflict checks never require scanning the revision list.
	CurrentVersion int          `json:"current_version"`
	Status         RecordStatus `json:"status"`
	VoidReason     string       `json:"void_reason,omitempty"`
	VoidedAt       *time.Time   `json:"voided_at,omitempty"`
	VoidedBy       string       `json:"voided_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CreatedBy      string       `json:"created_by,omitempty"`
}

// Voided reports whether the record has been voided.
func (r *Record) Voided() bool {
	return r.Status == StatusVoided
}

// Revision is one versioned snapshot of a record's payload. Once finalized,
// payload and all metadata except the AmendedBy back-reference are immutable.
type Revision struct {
	ID            string           `json:"id"`
	RecordID      string           `json:"record_id"`
	Version       int              `json:"version"`
	Payload       payload.Document `json:"payload"`
	ChangeType    ChangeType       `json:"change_type"`
	ChangeReason  string           `json:"change_reason,omitempty"`
	EffectiveAt   *time.Time       `json:"effective_at,omitempty"`
	State         RevisionState    `json:"state"`
	ContentHash   string           `json:"content_hash,omitempty"`
	PredecessorID string           `json:"predecessor_id,omitempty"`
	AmendedBy     string           `json:"amended_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CreatedBy     string           `json:"created_by,omitempty"`
	FinalizedAt   *time.Time       `json:"finalized_at,omitempty"`
	FinalizedBy   string           `json:"finalized_by,omitempty"`
}

// Clone returns a deep copy of the revision, including its payload.
// Stores hand out clones so callers can never mutate sealed history in place.
func (rv *Revision) Clone() *Revision {
	cp := *rv
	cp.Payload = rv.Payload.Clone()
	if rv.EffectiveAt != nil {
		t := *rv.EffectiveAt
		cp.EffectiveAt = &t
	}
	if rv.FinalizedAt != nil {
		t := *rv.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

// Draft reports whether the revision is still editable.
func (rv *Revision) Draft() bool {
	return rv.State == StateDraft
}
