package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records and revisions in a SQLite database. Mutating
// operations run in immediate transactions (the connection string sets
// _txlock=immediate), so the writer lock is taken at BEGIN and two
// concurrent finalize/amend calls serialize; the loser re-reads state inside
// its own transaction and fails with record.ErrConflict.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing connection and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		module_type TEXT NOT NULL,
		title TEXT NOT NULL,
		rm_id TEXT,
		current_revision_id TEXT NOT NULL,
		current_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		void_reason TEXT,
		voided_at TEXT,
		voided_by TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT
	);
	CREATE TABLE IF NOT EXISTS revisions (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES records(id),
		version INTEGER NOT NULL,
		payload JSON NOT NULL,
		change_type TEXT NOT NULL,
		change_reason TEXT,
		effective_at TEXT,
		state TEXT NOT NULL,
		content_hash TEXT,
		predecessor_id TEXT,
		amended_by TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT,
		finalized_at TEXT,
		finalized_by TEXT,
		UNIQUE(record_id, version)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) CreateInitial(ctx context.Context, rec *record.Record, rev *record.Revision) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE id = ?`, rec.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return record.ErrAlreadyExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, module_type, title, rm_id, current_revision_id, current_version, status, created_at, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.ModuleType), rec.Title, rec.RMID, rec.CurrentRevisionID,
			rec.CurrentVersion, string(rec.Status), formatTime(rec.CreatedAt), rec.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return insertRevision(ctx, tx, rev)
	})
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*record.Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, recordID), recordID)
}

func (s *SQLiteStore) GetRevision(ctx context.Context, recordID string, version int) (*record.Revision, error) {
	rv, err := scanRevision(s.db.QueryRowContext(ctx,
		revisionSelect+` WHERE record_id = ? AND version = ?`, recordID, version))
	if errors.Is(err, record.ErrNotFound) {
		// Distinguish unknown record from unknown version for the caller.
		if _, rerr := s.GetRecord(ctx, recordID); rerr != nil {
			return nil, rerr
		}
		return nil, record.NotFoundf("record %s has no version %d", recordID, version)
	}
	return rv, err
}

func (s *SQLiteStore) GetRevisionByID(ctx context.Context, revisionID string) (*record.Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx, revisionSelect+` WHERE id = ?`, revisionID))
}

func (s *SQLiteStore) ListRevisions(ctx context.Context, recordID string) ([]*record.Revision, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, revisionSelect+` WHERE record_id = ? ORDER BY version ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Revision
	for rows.Next() {
		rv, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateDraft(ctx context.Context, recordID string, title *string, patch payload.Document) (*record.Record, *record.Revision, error) {
	var outRec *record.Record
	var outRev *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := scanRecord(tx.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, recordID), recordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is voided", recordID)
		}
		rv, err := scanRevision(tx.QueryRowContext(ctx, revisionSelect+` WHERE id = ?`, rc.CurrentRevisionID))
		if err != nil {
			return err
		}
		if !rv.Draft() {
			if patch != nil {
				return record.ErrImmutableRevision
			}
			return record.Conflictf("record %s is %s; title is mutable only while draft", recordID, rc.Status)
		}

		if title != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE records SET title = ? WHERE id = ?`, *title, recordID); err != nil {
				return err
			}
			rc.Title = *title
		}
		if patch != nil {
			rv.Payload = rv.Payload.Merge(patch)
			raw, err := payload.Canonical(rv.Payload)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE revisions SET payload = ? WHERE id = ? AND state = ?`,
				string(raw), rv.ID, string(record.StateDraft))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return record.ErrImmutableRevision
			}
		}
		outRec = rc
		outRev = rv
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outRec, outRev, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, revisionID, finalizedBy string, finalizedAt time.Time, guard FinalizeGuard) (*record.Revision, error) {
	var out *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rv, err := scanRevision(tx.QueryRowContext(ctx, revisionSelect+` WHERE id = ?`, revisionID))
		if err != nil {
			return err
		}
		if !rv.Draft() {
			return record.ErrImmutableRevision
		}
		if err := guardNotVoided(ctx, tx, rv.RecordID); err != nil {
			return err
		}
		// Guard and hash cover the same snapshot; an edit racing this call
		// cannot slip an unvalidated payload into the seal.
		if guard != nil {
			if err := guard(rv.Clone()); err != nil {
				return err
			}
		}

		digest, err := payload.Hash(rv.Payload)
		if err != nil {
			return err
		}
		at := finalizedAt.UTC()

		// Guarded update: the WHERE clause is the compare-and-swap. If a
		// concurrent finalize won, zero rows match and we report the race.
		res, err := tx.ExecContext(ctx, `
			UPDATE revisions SET state = ?, content_hash = ?, finalized_at = ?, finalized_by = ?
			WHERE id = ? AND state = ?`,
			string(record.StateFinalized), digest, formatTime(at), finalizedBy,
			revisionID, string(record.StateDraft))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return record.Conflictf("revision %s was finalized concurrently", revisionID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = ? WHERE id = ?`,
			string(record.StatusFinalized), rv.RecordID); err != nil {
			return err
		}

		rv.State = record.StateFinalized
		rv.ContentHash = digest
		rv.FinalizedAt = &at
		rv.FinalizedBy = finalizedBy
		out = rv
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Amend(ctx context.Context, recordID string, p AmendmentParams) (*record.Revision, error) {
	var out *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := scanRecord(tx.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, recordID), recordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is voided", recordID)
		}
		current, err := scanRevision(tx.QueryRowContext(ctx, revisionSelect+` WHERE id = ?`, rc.CurrentRevisionID))
		if err != nil {
			return err
		}
		if current.Draft() {
			return record.Conflictf("record %s current revision is a draft", recordID)
		}
		if current.AmendedBy != "" {
			return record.Conflictf("revision %s is already amended by %s", current.ID, current.AmendedBy)
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
		if err := insertRevision(ctx, tx, next); err != nil {
			return err
		}

		// amended_by is a back-reference only; guarding on its emptiness is
		// the no-fan-out compare-and-swap.
		res, err := tx.ExecContext(ctx,
			`UPDATE revisions SET amended_by = ? WHERE id = ? AND (amended_by IS NULL OR amended_by = '')`,
			next.ID, current.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return record.Conflictf("revision %s was amended concurrently", current.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET current_revision_id = ?, current_version = ?, status = ? WHERE id = ?`,
			next.ID, next.Version, string(record.StatusDraft), recordID); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Void(ctx context.Context, recordID, reason, voidedBy string, voidedAt time.Time) (*record.Record, error) {
	var out *record.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := scanRecord(tx.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, recordID), recordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is already voided", recordID)
		}
		if rc.Status != record.StatusFinalized {
			return record.Conflictf("record %s is %s; only finalized records can be voided", recordID, rc.Status)
		}

		at := voidedAt.UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE records SET status = ?, void_reason = ?, voided_by = ?, voided_at = ?
			WHERE id = ? AND status = ?`,
			string(record.StatusVoided), reason, voidedBy, formatTime(at),
			recordID, string(record.StatusFinalized))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return record.Conflictf("record %s was voided concurrently", recordID)
		}

		rc.Status = record.StatusVoided
		rc.VoidReason = reason
		rc.VoidedBy = voidedBy
		rc.VoidedAt = &at
		out = rc
		return nil
	})
	return out, err
}

// RecordIDs returns every record id in the store, used by offline
// verification tooling.
func (s *SQLiteStore) RecordIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func guardNotVoided(ctx context.Context, tx *sql.Tx, recordID string) error {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = ?`, recordID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.NotFoundf("record %s", recordID)
		}
		return err
	}
	if record.RecordStatus(status) == record.StatusVoided {
		return record.Conflictf("record %s is voided", recordID)
	}
	return nil
}

const recordSelect = `
	SELECT id, module_type, title, rm_id, current_revision_id, current_version, status,
	       void_reason, voided_at, voided_by, created_at, created_by
	FROM records`

const revisionSelect = `
	SELECT id, record_id, version, payload, change_type, change_reason, effective_at,
	       state, content_hash, predecessor_id, amended_by, created_at, created_by,
	       finalized_at, finalized_by
	FROM revisions`

func insertRevision(ctx context.Context, tx *sql.Tx, rv *record.Revision) error {
	raw, err := payload.Canonical(rv.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (id, record_id, version, payload, change_type, change_reason,
			effective_at, state, content_hash, predecessor_id, amended_by, created_at,
			created_by, finalized_at, finalized_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rv.ID, rv.RecordID, rv.Version, string(raw), string(rv.ChangeType), rv.ChangeReason,
		formatTimePtr(rv.EffectiveAt), string(rv.State), rv.ContentHash, rv.PredecessorID,
		rv.AmendedBy, formatTime(rv.CreatedAt), rv.CreatedBy,
		formatTimePtr(rv.FinalizedAt), rv.FinalizedBy,
	)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, recordID string) (*record.Record, error) {
	var id, moduleType, title, status string
	var rmID, voidReason, voidedBy sql.NullString
	var currentRevisionID, createdAtRaw string
	var currentVersion int
	var voidedAtRaw, createdBy sql.NullString
	err := row.Scan(&id, &moduleType, &title, &rmID, &currentRevisionID, &currentVersion,
		&status, &voidReason, &voidedAtRaw, &voidedBy, &createdAtRaw, &createdBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, record.NotFoundf("record %s", recordID)
		}
		return nil, err
	}
	return &record.Record{
		ID:                id,
		ModuleType:        record.ModuleType(moduleType),
		Title:             title,
		RMID:              rmID.String,
		CurrentRevisionID: currentRevisionID,
		CurrentVersion:    currentVersion,
		Status:            record.RecordStatus(status),
		VoidReason:        voidReason.String,
		VoidedAt:          parseTimePtr(voidedAtRaw),
		VoidedBy:          voidedBy.String,
		CreatedAt:         parseTime(createdAtRaw),
		CreatedBy:         createdBy.String,
	}, nil
}

func scanRevision(row rowScanner) (*record.Revision, error) {
	var id, recordID, payloadRaw, changeType, state string
	var version int
	var changeReason, effectiveAtRaw, contentHash sql.NullString
	var predecessorID, amendedBy, createdBy sql.NullString
	var createdAtRaw string
	var finalizedAtRaw, finalizedBy sql.NullString
	err := row.Scan(&id, &recordID, &version, &payloadRaw, &changeType, &changeReason,
		&effectiveAtRaw, &state, &contentHash, &predecessorID, &amendedBy,
		&createdAtRaw, &createdBy, &finalizedAtRaw, &finalizedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, record.NotFoundf("revision")
		}
		return nil, err
	}
	doc, err := payload.FromJSON([]byte(payloadRaw))
	if err != nil {
		return nil, fmt.Errorf("stored payload for revision %s: %w", id, err)
	}
	return &record.Revision{
		ID:            id,
		RecordID:      recordID,
		Version:       version,
		Payload:       doc,
		ChangeType:    record.ChangeType(changeType),
		ChangeReason:  changeReason.String,
		EffectiveAt:   parseTimePtr(effectiveAtRaw),
		State:         record.RevisionState(state),
		ContentHash:   contentHash.String,
		PredecessorID: predecessorID.String,
		AmendedBy:     amendedBy.String,
		CreatedAt:     parseTime(createdAtRaw),
		CreatedBy:     createdBy.String,
		FinalizedAt:   parseTimePtr(finalizedAtRaw),
		FinalizedBy:   finalizedBy.String,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
