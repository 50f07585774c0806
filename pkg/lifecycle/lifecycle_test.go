package lifecycle_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdesk/govrec/pkg/lifecycle"
	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
	"github.com/trustdesk/govrec/pkg/seal"
	"github.com/trustdesk/govrec/pkg/store"
)

func newEngine(t *testing.T, opts ...lifecycle.Option) *lifecycle.Engine {
	t.Helper()
	return lifecycle.New(store.NewMemoryStore(), opts...)
}

func mustDoc(t *testing.T, raw string) payload.Document {
	t.Helper()
	d, err := payload.FromJSON([]byte(raw))
	require.NoError(t, err)
	return d
}

func createDispute(t *testing.T, e *lifecycle.Engine, raw string) *record.Record {
	t.Helper()
	rec, _, err := e.CreateRecord(context.Background(), lifecycle.CreateParams{
		ModuleType: record.ModuleDispute,
		Title:      "Dispute over clause 7",
		Payload:    mustDoc(t, raw),
	})
	require.NoError(t, err)
	return rec
}

func TestCreateRecord_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, _, err := e.CreateRecord(ctx, lifecycle.CreateParams{ModuleType: "ledger", Title: "x"})
	assert.ErrorIs(t, err, record.ErrValidation)

	_, _, err = e.CreateRecord(ctx, lifecycle.CreateParams{ModuleType: record.ModuleMinutes, Title: "   "})
	assert.ErrorIs(t, err, record.ErrValidation)
}

func TestCreateRecord_InitialRevision(t *testing.T) {
	e := newEngine(t)
	rec := createDispute(t, e, `{"amount": 100}`)

	got, rev, err := e.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusDraft, got.Status)
	assert.Equal(t, 1, rev.Version)
	assert.Equal(t, record.ChangeInitial, rev.ChangeType)
	assert.Empty(t, rev.PredecessorID)
	assert.Empty(t, rev.ContentHash, "drafts are never hashed")
}

func TestFinalize_SealsAndRejectsFurtherEdits(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)

	got, rev, result, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)
	assert.True(t, result.CanFinalize)
	assert.Equal(t, record.StatusFinalized, got.Status)
	assert.Regexp(t, "^[0-9a-f]{64}$", rev.ContentHash)

	// Edit after finalization is a state problem.
	title := "updated"
	_, _, err = e.UpdateDraft(ctx, rec.ID, lifecycle.UpdateParams{Title: &title})
	assert.ErrorIs(t, err, record.ErrConflict)

	// Finalize twice: second call observes the finalized state.
	_, _, _, err = e.Finalize(ctx, rec.ID, "clerk")
	assert.ErrorIs(t, err, record.ErrConflict)
}

func TestFinalize_ValidationAggregation(t *testing.T) {
	validator, err := lifecycle.NewSchemaValidator(map[record.ModuleType]string{
		record.ModuleDispute: `{
			"type": "object",
			"required": ["amount", "claimant"],
			"properties": {
				"amount": {"type": "number", "minimum": 0},
				"status": {"enum": ["open", "settled"]}
			}
		}`,
	})
	require.NoError(t, err)

	e := newEngine(t, lifecycle.WithValidator(validator))
	ctx := context.Background()
	rec := createDispute(t, e, `{"status": "bogus"}`)

	_, _, result, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err, "validation failure is a structured result, not an error")
	assert.False(t, result.CanFinalize)
	assert.ElementsMatch(t, []string{"amount", "claimant"}, result.MissingRequired)
	assert.NotEmpty(t, result.Errors, "enum violation reported alongside missing fields")

	// The revision stays a draft and remains editable.
	_, rev, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, rev.Draft())

	_, _, err = e.UpdateDraft(ctx, rec.ID, lifecycle.UpdateParams{
		Payload: mustDoc(t, `{"amount": 100, "claimant": "estate of J. Doe", "status": "open"}`),
	})
	require.NoError(t, err)

	_, _, result, err = e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)
	assert.True(t, result.CanFinalize)
}

// editBeforeFinalizeStore injects a draft edit between the engine's reads
// and the store's finalize transaction, simulating a racing writer.
type editBeforeFinalizeStore struct {
	store.Store
	edit func()
}

func (s *editBeforeFinalizeStore) Finalize(ctx context.Context, revisionID, finalizedBy string, finalizedAt time.Time, guard store.FinalizeGuard) (*record.Revision, error) {
	if s.edit != nil {
		s.edit()
	}
	return s.Store.Finalize(ctx, revisionID, finalizedBy, finalizedAt, guard)
}

func TestFinalize_ValidatesSealedSnapshot(t *testing.T) {
	validator, err := lifecycle.NewSchemaValidator(map[record.ModuleType]string{
		record.ModuleDispute: `{"type": "object", "required": ["amount"]}`,
	})
	require.NoError(t, err)

	inner := store.NewMemoryStore()
	hooked := &editBeforeFinalizeStore{Store: inner}
	e := lifecycle.New(hooked, lifecycle.WithValidator(validator))
	ctx := context.Background()

	rec, _, err := e.CreateRecord(ctx, lifecycle.CreateParams{
		ModuleType: record.ModuleDispute,
		Title:      "Dispute over clause 7",
		Payload:    mustDoc(t, `{"amount": 100}`),
	})
	require.NoError(t, err)

	// A racing edit strips the required field after the engine's initial
	// read; the snapshot actually being sealed must still be validated.
	hooked.edit = func() {
		_, _, err := inner.UpdateDraft(ctx, rec.ID, nil, mustDoc(t, `{"amount": null}`))
		require.NoError(t, err)
	}

	_, _, result, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)
	assert.False(t, result.CanFinalize, "an unvalidated payload must never be sealed")
	assert.Equal(t, []string{"amount"}, result.MissingRequired)

	_, rev, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, rev.Draft())
	assert.Empty(t, rev.ContentHash)
}

func TestUpdateDraft_NoPartialApply(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)
	_, _, _, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	// Title and payload travel in one transaction: when the edit is
	// rejected, neither half sticks.
	title := "renamed"
	_, _, err = e.UpdateDraft(ctx, rec.ID, lifecycle.UpdateParams{
		Title:   &title,
		Payload: mustDoc(t, `{"amount": 999}`),
	})
	require.Error(t, err)

	got, rev, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dispute over clause 7", got.Title, "failed update must not persist the title")
	assert.Equal(t, json.Number("100"), rev.Payload["amount"])
}

func TestFinalizeResult_FieldsAreAlwaysArrays(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)

	_, _, result, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)
	require.True(t, result.CanFinalize)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"errors":[]`)
	assert.Contains(t, string(raw), `"warnings":[]`)
	assert.Contains(t, string(raw), `"missing_required":[]`)
}

func TestAmend_RequiresReasonAndFinalizedState(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)

	// Amend on a draft record is a conflict.
	_, err := e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType: record.ChangeAmendment, ChangeReason: "reason",
	})
	assert.ErrorIs(t, err, record.ErrConflict)

	_, _, _, err = e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	// Empty reason: validation error, no new revision, status unchanged.
	_, err = e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType: record.ChangeAmendment, ChangeReason: "   ",
	})
	assert.ErrorIs(t, err, record.ErrValidation)

	// Bad change type.
	_, err = e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType: record.ChangeInitial, ChangeReason: "reason",
	})
	assert.ErrorIs(t, err, record.ErrValidation)

	got, _, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFinalized, got.Status)
	revs, err := e.ListRevisions(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestAmend_PreservesSealedHistory(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100, "terms": {"rate": 2}}`)
	_, _, _, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	draft, err := e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType:   record.ChangeCorrection,
		ChangeReason: "rate recorded incorrectly",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, record.ChangeCorrection, draft.ChangeType)

	_, _, err = e.UpdateDraft(ctx, rec.ID, lifecycle.UpdateParams{
		Payload: mustDoc(t, `{"terms": {"rate": 3}}`),
	})
	require.NoError(t, err)

	// Pre-amendment payload is unchanged.
	v1, err := e.ListRevisions(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, payload.Equal(mustDoc(t, `{"amount": 100, "terms": {"rate": 2}}`), v1[0].Payload))
	assert.Equal(t, record.StateFinalized, v1[0].State)
	assert.Equal(t, draft.ID, v1[0].AmendedBy)
}

func TestVoid_RequiresReason(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 1}`)
	_, _, _, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	_, err = e.Void(ctx, rec.ID, "  ", "clerk")
	assert.ErrorIs(t, err, record.ErrValidation)

	voided, err := e.Void(ctx, rec.ID, "entered against wrong trust", "clerk")
	require.NoError(t, err)
	assert.Equal(t, record.StatusVoided, voided.Status)

	// Voided records reject finalize and amend but stay readable.
	_, _, _, err = e.Finalize(ctx, rec.ID, "clerk")
	assert.ErrorIs(t, err, record.ErrConflict)
	_, err = e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType: record.ChangeAmendment, ChangeReason: "x",
	})
	assert.ErrorIs(t, err, record.ErrConflict)
	_, _, err = e.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestDiff_BetweenRevisions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"a": 1, "b": 2}`)
	_, _, _, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)
	_, err = e.Amend(ctx, rec.ID, lifecycle.AmendParams{
		ChangeType: record.ChangeAmendment, ChangeReason: "restructure",
	})
	require.NoError(t, err)
	_, _, err = e.UpdateDraft(ctx, rec.ID, lifecycle.UpdateParams{
		Payload: mustDoc(t, `{"b": null, "c": 3}`),
	})
	require.NoError(t, err)

	entries, err := e.Diff(ctx, rec.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Field)
	assert.Equal(t, json.Number("2"), entries[0].OldValue)
	assert.Equal(t, "c", entries[1].Field)
	assert.Equal(t, json.Number("3"), entries[1].NewValue)

	_, err = e.Diff(ctx, rec.ID, 1, 9)
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestVerifyRevision(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)

	_, err := e.VerifyRevision(ctx, rec.ID, 1)
	assert.ErrorIs(t, err, record.ErrConflict, "drafts carry no hash")

	_, _, _, err = e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	v, err := e.VerifyRevision(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, v.StoredHash, v.ComputedHash)
}

func TestFinalize_AppendsSeal(t *testing.T) {
	reg := seal.NewRegister()
	e := newEngine(t, lifecycle.WithSealRegister(reg))
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)
	_, rev, _, err := e.Finalize(ctx, rec.ID, "clerk")
	require.NoError(t, err)

	seals := e.Seals(rec.ID)
	require.Len(t, seals, 1)
	assert.Equal(t, rev.ContentHash, seals[0].ContentHash)
	assert.Equal(t, rev.ID, seals[0].RevisionID)
	assert.NoError(t, reg.VerifyChain())
}

func TestConcurrentFinalize_OneWinner(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	rec := createDispute(t, e, `{"amount": 100}`)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _, errs[i] = e.Finalize(ctx, rec.ID, "clerk")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	revs, err := e.ListRevisions(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Len(t, revs[0].ContentHash, 64, "exactly one content hash for the version")
}
