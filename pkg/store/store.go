// Package store persists governance records and their ordered revision
// history, and enforces immutability of finalized revisions. Every mutating
// operation executes as a single atomic transaction scoped to one record, so
// concurrent finalize/amend calls on the same record resolve to exactly one
// winner; the loser observes the already-transitioned state and fails with
// record.ErrConflict. Reads never take the record-level lock.
package store

import (
	"context"
	"time"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
)

// AmendmentParams carries the prepared fields for a new draft revision
// forked from a finalized predecessor. The store allocates the version,
// copies the predecessor payload, and links lineage atomically.
type AmendmentParams struct {
	RevisionID   string
	ChangeType   record.ChangeType
	ChangeReason string
	EffectiveAt  *time.Time
	CreatedBy    string
	CreatedAt    time.Time
}

// FinalizeGuard runs inside the finalize transaction on the exact revision
// snapshot about to be sealed. A non-nil return aborts the transaction and
// is returned to the caller unchanged.
type FinalizeGuard func(rev *record.Revision) error

// Store is the revision store contract. Implementations return deep copies;
// callers never share mutable structure with stored state.
type Store interface {
	// CreateInitial persists a new record together with its version-1 draft
	// revision. Fails with record.ErrAlreadyExists if the record id is taken.
	CreateInitial(ctx context.Context, rec *record.Record, rev *record.Revision) error

	// GetRecord returns the record by id, or record.ErrNotFound.
	GetRecord(ctx context.Context, recordID string) (*record.Record, error)

	// GetRevision returns one revision by record id and version number.
	GetRevision(ctx context.Context, recordID string, version int) (*record.Revision, error)

	// GetRevisionByID returns one revision by its id.
	GetRevisionByID(ctx context.Context, revisionID string) (*record.Revision, error)

	// ListRevisions returns the record's revisions ordered by version
	// ascending. Safe to call in any state.
	ListRevisions(ctx context.Context, recordID string) ([]*record.Revision, error)

	// UpdateDraft applies a title change and/or payload merge-patch to the
	// record's current draft revision in one transaction; a failed update
	// persists neither. A payload patch against a finalized revision fails
	// with record.ErrImmutableRevision, a title change outside draft state
	// with record.ErrConflict, and any edit of a voided record with
	// record.ErrConflict.
	UpdateDraft(ctx context.Context, recordID string, title *string, patch payload.Document) (*record.Record, *record.Revision, error)

	// Finalize seals the draft revision: the guard check and the content
	// hash computation both cover the exact payload snapshot inside the same
	// transaction that flips the state, so no interleaved mutation can seal
	// an unvalidated payload or desynchronize hash and payload.
	Finalize(ctx context.Context, revisionID, finalizedBy string, finalizedAt time.Time, guard FinalizeGuard) (*record.Revision, error)

	// Amend forks a new draft revision from the record's current finalized
	// revision: version N+1 seeded with a deep copy of N's payload,
	// predecessor/amended_by links set, and the record's current-revision
	// pointer swung to the new draft. Fails with record.ErrConflict if the
	// current revision is not finalized, already amended, or the record is
	// voided.
	Amend(ctx context.Context, recordID string, p AmendmentParams) (*record.Revision, error)

	// Void marks the record voided. Revisions remain readable; every further
	// mutation fails with record.ErrConflict. Voiding twice is a conflict.
	Void(ctx context.Context, recordID, reason, voidedBy string, voidedAt time.Time) (*record.Record, error)

	// Close releases underlying resources.
	Close() error
}
