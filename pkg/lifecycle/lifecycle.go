// Package lifecycle implements the record state machine and the amendment
// engine. It governs the transitions draft -> finalized -> amended/voided,
// gates every mutation by the record's current state, and preserves full
// revision lineage across amendments.
//
// State transitions:
//
//	(none)    --create--->  draft       (version 1, change_type initial)
//	draft     --edit----->  draft       (payload patch / title change)
//	draft     --finalize->  finalized   (hash sealed, revision immutable)
//	finalized --amend---->  draft       (version N+1, predecessor linked)
//	finalized --void----->  voided      (revisions stay readable)
//
// Illegal transitions fail with record.ErrConflict and never partially
// apply; the store executes each mutation in one record-scoped transaction.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustdesk/govrec/pkg/diff"
	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
	"github.com/trustdesk/govrec/pkg/seal"
	"github.com/trustdesk/govrec/pkg/store"
)

// Engine orchestrates record lifecycle operations over a revision store.
type Engine struct {
	store     store.Store
	validator Validator
	seals     *seal.Register
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator installs the finalization validator.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithSealRegister installs an integrity seal register; every finalized
// revision is bound into its chain.
func WithSealRegister(r *seal.Register) Option {
	return func(e *Engine) { e.seals = r }
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDFunc overrides identifier generation (tests).
func WithIDFunc(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an Engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		validator: NopValidator{},
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CreateParams are the inputs for starting a new record.
type CreateParams struct {
	ModuleType record.ModuleType
	Title      string
	Payload    payload.Document
	RMID       string
	CreatedBy  string
}

// CreateRecord starts a new record with its version-1 draft revision.
func (e *Engine) CreateRecord(ctx context.Context, p CreateParams) (*record.Record, *record.Revision, error) {
	if !p.ModuleType.Valid() {
		return nil, nil, record.Validationf("unknown module_type %q", p.ModuleType)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, nil, record.Validationf("title must not be empty")
	}
	if p.Payload == nil {
		p.Payload = payload.Document{}
	}
	if _, err := payload.Canonical(p.Payload); err != nil {
		return nil, nil, err
	}

	now := e.now().UTC()
	rev := &record.Revision{
		ID:         e.newID(),
		Version:    1,
		Payload:    p.Payload.Clone(),
		ChangeType: record.ChangeInitial,
		State:      record.StateDraft,
		CreatedAt:  now,
		CreatedBy:  p.CreatedBy,
	}
	rec := &record.Record{
		ID:                e.newID(),
		ModuleType:        p.ModuleType,
		Title:             p.Title,
		RMID:              p.RMID,
		CurrentRevisionID: rev.ID,
		CurrentVersion:    1,
		Status:            record.StatusDraft,
		CreatedAt:         now,
		CreatedBy:         p.CreatedBy,
	}
	rev.RecordID = rec.ID

	if err := e.store.CreateInitial(ctx, rec, rev); err != nil {
		return nil, nil, err
	}
	e.logger.Info("record created",
		"record_id", rec.ID, "module_type", rec.ModuleType, "revision_id", rev.ID)
	return rec, rev, nil
}

// Get returns a record together with its current revision.
func (e *Engine) Get(ctx context.Context, recordID string) (*record.Record, *record.Revision, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	rev, err := e.store.GetRevisionByID(ctx, rec.CurrentRevisionID)
	if err != nil {
		return nil, nil, err
	}
	return rec, rev, nil
}

// UpdateParams are the inputs for editing a draft.
type UpdateParams struct {
	Title   *string
	Payload payload.Document
}

// UpdateDraft applies a title change and/or payload patch to the record's
// current draft revision in one store transaction, so a rejected edit never
// partially applies. Fails with record.ErrConflict if the current revision
// is finalized or the record is voided.
func (e *Engine) UpdateDraft(ctx context.Context, recordID string, p UpdateParams) (*record.Record, *record.Revision, error) {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return nil, nil, record.Validationf("title must not be empty")
	}
	return e.store.UpdateDraft(ctx, recordID, p.Title, p.Payload)
}

// FinalizeResult is the structured outcome of a finalize request. When
// CanFinalize is false every violated rule is enumerated; the revision
// remains a draft.
type FinalizeResult struct {
	CanFinalize     bool     `json:"can_finalize"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
	MissingRequired []string `json:"missing_required"`
}

func newFinalizeResult(ok bool, rep Report) *FinalizeResult {
	return &FinalizeResult{
		CanFinalize:     ok,
		Errors:          orEmpty(rep.Errors),
		Warnings:        orEmpty(rep.Warnings),
		MissingRequired: orEmpty(rep.MissingRequired),
	}
}

// orEmpty keeps response fields JSON arrays rather than null.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// errFinalizeBlocked aborts the finalize transaction when validation fails.
// It never escapes Finalize.
var errFinalizeBlocked = errors.New("finalize blocked by validation")

// Finalize seals the record's current draft revision. Validation runs as a
// guard inside the store's finalize transaction, so the validated snapshot
// and the sealed snapshot are the same payload even under a racing edit. On
// validation failure it returns a FinalizeResult with the full remediation
// list and no error; the returned record/revision are nil. Illegal states
// (already finalized, voided) return record.ErrConflict /
// record.ErrImmutableRevision.
func (e *Engine) Finalize(ctx context.Context, recordID, finalizedBy string) (*record.Record, *record.Revision, *FinalizeResult, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, nil, err
	}
	if rec.Voided() {
		return nil, nil, nil, record.Conflictf("record %s is voided", recordID)
	}
	rev, err := e.store.GetRevisionByID(ctx, rec.CurrentRevisionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !rev.Draft() {
		return nil, nil, nil, record.Conflictf("record %s is already finalized at version %d", recordID, rev.Version)
	}

	var rep Report
	sealed, err := e.store.Finalize(ctx, rev.ID, finalizedBy, e.now(), func(cur *record.Revision) error {
		rep = e.validator.Validate(rec.ModuleType, cur.Payload)
		if !rep.Clean() {
			return errFinalizeBlocked
		}
		return nil
	})
	if errors.Is(err, errFinalizeBlocked) {
		return nil, nil, newFinalizeResult(false, rep), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	rec, err = e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, nil, err
	}

	if e.seals != nil {
		if _, err := e.seals.Append(rec, sealed); err != nil {
			e.logger.Error("seal append failed", "record_id", recordID, "revision_id", sealed.ID, "error", err)
		}
	}
	e.logger.Info("revision finalized",
		"record_id", recordID, "revision_id", sealed.ID, "version", sealed.Version, "content_hash", sealed.ContentHash)
	return rec, sealed, newFinalizeResult(true, rep), nil
}

// AmendParams are the inputs for forking a new draft from a finalized revision.
type AmendParams struct {
	ChangeType   record.ChangeType
	ChangeReason string
	EffectiveAt  *time.Time
	CreatedBy    string
}

// Amend creates a new draft revision from the record's current finalized
// revision. The draft's payload is a deep copy; the sealed predecessor is
// never mutated beyond its amended_by back-reference. One predecessor can
// have at most one direct amendment.
func (e *Engine) Amend(ctx context.Context, recordID string, p AmendParams) (*record.Revision, error) {
	if p.ChangeType != record.ChangeAmendment && p.ChangeType != record.ChangeCorrection {
		return nil, record.Validationf("change_type must be %q or %q, got %q",
			record.ChangeAmendment, record.ChangeCorrection, p.ChangeType)
	}
	if strings.TrimSpace(p.ChangeReason) == "" {
		return nil, record.Validationf("change_reason must not be empty")
	}

	rev, err := e.store.Amend(ctx, recordID, store.AmendmentParams{
		RevisionID:   e.newID(),
		ChangeType:   p.ChangeType,
		ChangeReason: strings.TrimSpace(p.ChangeReason),
		EffectiveAt:  p.EffectiveAt,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("amendment created",
		"record_id", recordID, "revision_id", rev.ID, "version", rev.Version,
		"change_type", rev.ChangeType, "predecessor_id", rev.PredecessorID)
	return rev, nil
}

// Void marks a finalized record as voided. History stays readable; every
// further mutation is rejected.
func (e *Engine) Void(ctx context.Context, recordID, reason, voidedBy string) (*record.Record, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, record.Validationf("void_reason must not be empty")
	}
	rec, err := e.store.Void(ctx, recordID, strings.TrimSpace(reason), voidedBy, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("record voided", "record_id", recordID, "reason", rec.VoidReason)
	return rec, nil
}

// ListRevisions returns the record's full revision history, version ascending.
func (e *Engine) ListRevisions(ctx context.Context, recordID string) ([]*record.Revision, error) {
	return e.store.ListRevisions(ctx, recordID)
}

// Diff compares two revisions of a record by version number.
func (e *Engine) Diff(ctx context.Context, recordID string, beforeVersion, afterVersion int) ([]diff.Entry, error) {
	before, err := e.store.GetRevision(ctx, recordID, beforeVersion)
	if err != nil {
		return nil, err
	}
	after, err := e.store.GetRevision(ctx, recordID, afterVersion)
	if err != nil {
		return nil, err
	}
	return diff.Compare(before.Payload, after.Payload), nil
}

// Verification is the outcome of recomputing a finalized revision's hash.
type Verification struct {
	RecordID     string `json:"record_id"`
	RevisionID   string `json:"revision_id"`
	Version      int    `json:"version"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	Verified     bool   `json:"verified"`
}

// VerifyRevision recomputes the content hash of a finalized revision and
// compares it to the stored digest. A mismatch means the stored payload was
// tampered with after sealing.
func (e *Engine) VerifyRevision(ctx context.Context, recordID string, version int) (*Verification, error) {
	rev, err := e.store.GetRevision(ctx, recordID, version)
	if err != nil {
		return nil, err
	}
	if rev.Draft() {
		return nil, record.Conflictf("revision %d of record %s is a draft; only finalized revisions carry a hash", version, recordID)
	}
	computed, err := payload.Hash(rev.Payload)
	if err != nil {
		return nil, err
	}
	return &Verification{
		RecordID:     recordID,
		RevisionID:   rev.ID,
		Version:      rev.Version,
		StoredHash:   rev.ContentHash,
		ComputedHash: computed,
		Verified:     computed == rev.ContentHash,
	}, nil
}

// Seals returns the integrity seals recorded for one record, append order.
func (e *Engine) Seals(recordID string) []*seal.Seal {
	if e.seals == nil {
		return nil
	}
	return e.seals.ListByRecord(recordID)
}

// IsStateError reports whether err is a state problem (conflict/immutable)
// rather than a data problem.
func IsStateError(err error) bool {
	return errors.Is(err, record.ErrConflict) || errors.Is(err, record.ErrImmutableRevision)
}
