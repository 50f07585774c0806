package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
)

// MemoryStore is an in-process Store used by tests and single-node dev mode.
// A single mutex serializes mutations, which satisfies the one-winner
// guarantee trivially; reads copy out under RLock.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*record.Record
	revisions map[string][]*record.Revision // recordID -> by version asc
	byRevID   map[string]*record.Revision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*record.Record),
		revisions: make(map[string][]*record.Revision),
		byRevID:   make(map[string]*record.Revision),
	}
}

func (s *MemoryStore) CreateInitial(_ context.Context, rec *record.Record, rev *record.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return record.ErrAlreadyExists
	}
	if _, ok := s.revisions[rec.ID]; ok {
		return record.ErrAlreadyExists
	}

	rc := *rec
	rv := rev.Clone()
	s.records[rc.ID] = &rc
	s.revisions[rc.ID] = []*record.Revision{rv}
	s.byRevID[rv.ID] = rv
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, recordID string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.records[recordID]
	if !ok {
		return nil, record.NotFoundf("record %s", recordID)
	}
	cp := *rc
	return &cp, nil
}

func (s *MemoryStore) GetRevision(_ context.Context, recordID string, version int) (*record.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, ok := s.revisions[recordID]
	if !ok {
		return nil, record.NotFoundf("record %s", recordID)
	}
	for _, rv := range revs {
		if rv.Version == version {
			return rv.Clone(), nil
		}
	}
	return nil, record.NotFoundf("record %s has no version %d", recordID, version)
}

func (s *MemoryStore) GetRevisionByID(_ context.Context, revisionID string) (*record.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rv, ok := s.byRevID[revisionID]
	if !ok {
		return nil, record.NotFoundf("revision %s", revisionID)
	}
	return rv.Clone(), nil
}

func (s *MemoryStore) ListRevisions(_ context.Context, recordID string) ([]*record.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, ok := s.revisions[recordID]
	if !ok {
		return nil, record.NotFoundf("record %s", recordID)
	}
	out := make([]*record.Revision, len(revs))
	for i, rv := range revs {
		out[i] = rv.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) UpdateDraft(_ context.Context, recordID string, title *string, patch payload.Document) (*record.Record, *record.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.records[recordID]
	if !ok {
		return nil, nil, record.NotFoundf("record %s", recordID)
	}
	if rc.Voided() {
		return nil, nil, record.Conflictf("record %s is voided", recordID)
	}
	rv, ok := s.byRevID[rc.CurrentRevisionID]
	if !ok {
		return nil, nil, record.NotFoundf("current revision of record %s", recordID)
	}
	if !rv.Draft() {
		if patch != nil {
			return nil, nil, record.ErrImmutableRevision
		}
		return nil, nil, record.Conflictf("record %s is %s; title is mutable only while draft", recordID, rc.Status)
	}

	if title != nil {
		rc.Title = *title
	}
	if patch != nil {
		rv.Payload = rv.Payload.Merge(patch)
	}
	cp := *rc
	return &cp, rv.Clone(), nil
}

func (s *MemoryStore) Finalize(_ context.Context, revisionID, finalizedBy string, finalizedAt time.Time, guard FinalizeGuard) (*record.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rv, ok := s.byRevID[revisionID]
	if !ok {
		return nil, record.NotFoundf("revision %s", revisionID)
	}
	if !rv.Draft() {
		return nil, record.ErrImmutableRevision
	}
	rc := s.records[rv.RecordID]
	if rc != nil && rc.Voided() {
		return nil, record.Conflictf("record %s is voided", rv.RecordID)
	}
	if guard != nil {
		if err := guard(rv.Clone()); err != nil {
			return nil, err
		}
	}

	// Hash and state flip happen under the same lock: the digest is always
	// computed over the exact payload snapshot being sealed.
	digest, err := payload.Hash(rv.Payload)
	if err != nil {
		return nil, err
	}

	at := finalizedAt.UTC()
	rv.State = record.StateFinalized
	rv.ContentHash = digest
	rv.FinalizedAt = &at
	rv.FinalizedBy = finalizedBy
	if rc != nil {
		rc.Status = record.StatusFinalized
	}
	return rv.Clone(), nil
}

func (s *MemoryStore) Amend(_ context.Context, recordID string, p AmendmentParams) (*record.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.records[recordID]
	if !ok {
		return nil, record.NotFoundf("record %s", recordID)
	}
	if rc.Voided() {
		return nil, record.Conflictf("record %s is voided", recordID)
	}

	var current *record.Revision
	for _, rv := range s.revisions[recordID] {
		if rv.ID == rc.CurrentRevisionID {
			current = rv
			break
		}
	}
	if current == nil {
		return nil, record.NotFoundf("current revision of record %s", recordID)
	}
	if current.Draft() {
		return nil, record.Conflictf("record %s current revision is a draft", recordID)
	}
	if current.AmendedBy != "" {
		return nil, record.Conflictf("revision %s is already amended by %s", current.ID, current.AmendedBy)
	}

	next := &record.Revision{
		ID:            p.RevisionID,
		RecordID:      recordID,
		Version:       current.Version + 1,
		Payload:       current.Payload.Clone(),
		ChangeType:    p.ChangeType,
		ChangeReason:  p.ChangeReason,
		EffectiveAt:   p.EffectiveAt,
		State:         record.StateDraft,
		PredecessorID: current.ID,
		CreatedAt:     p.CreatedAt.UTC(),
		CreatedBy:     p.CreatedBy,
	}

	current.AmendedBy = next.ID
	rc.CurrentRevisionID = next.ID
	rc.CurrentVersion = next.Version
	rc.Status = record.StatusDraft
	s.revisions[recordID] = append(s.revisions[recordID], next)
	s.byRevID[next.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Void(_ context.Context, recordID, reason, voidedBy string, voidedAt time.Time) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.records[recordID]
	if !ok {
		return nil, record.NotFoundf("record %s", recordID)
	}
	if rc.Voided() {
		return nil, record.Conflictf("record %s is already voided", recordID)
	}
	if rc.Status != record.StatusFinalized {
		return nil, record.Conflictf("record %s is %s; only finalized records can be voided", recordID, rc.Status)
	}

	at := voidedAt.UTC()
	rc.Status = record.StatusVoided
	rc.VoidReason = reason
	rc.VoidedBy = voidedBy
	rc.VoidedAt = &at
	cp := *rc
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }
