package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore persists records and revisions in Postgres. Mutating
// operations lock the owning record row with SELECT ... FOR UPDATE for the
// duration of state check + mutation + commit, which serializes finalize and
// amend per record across nodes.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the given Postgres URL and runs migrations.
func OpenPostgres(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing connection and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
		payload JSONB NOT NULL,
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

const pgRecordSelect = `
	SELECT id, module_type, title, rm_id, current_revision_id, current_version, status,
	       void_reason, voided_at, voided_by, created_at, created_by
	FROM records`

const pgRevisionSelect = `
	SELECT id, record_id, version, payload::text, change_type, change_reason, effective_at,
	       state, content_hash, predecessor_id, amended_by, created_at, created_by,
	       finalized_at, finalized_by
	FROM revisions`

// lockRecord loads the record row under FOR UPDATE inside tx.
func lockRecord(ctx context.Context, tx *sql.Tx, recordID string) (*record.Record, error) {
	return scanRecord(tx.QueryRowContext(ctx, pgRecordSelect+` WHERE id = $1 FOR UPDATE`, recordID), recordID)
}

func (s *PostgresStore) CreateInitial(ctx context.Context, rec *record.Record, rev *record.Revision) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE id = $1`, rec.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return record.ErrAlreadyExists
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, module_type, title, rm_id, current_revision_id, current_version, status, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, string(rec.ModuleType), rec.Title, rec.RMID, rec.CurrentRevisionID,
			rec.CurrentVersion, string(rec.Status), formatTime(rec.CreatedAt), rec.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return pgInsertRevision(ctx, tx, rev)
	})
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*record.Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, pgRecordSelect+` WHERE id = $1`, recordID), recordID)
}

func (s *PostgresStore) GetRevision(ctx context.Context, recordID string, version int) (*record.Revision, error) {
	rv, err := scanRevision(s.db.QueryRowContext(ctx,
		pgRevisionSelect+` WHERE record_id = $1 AND version = $2`, recordID, version))
	if errors.Is(err, record.ErrNotFound) {
		if _, rerr := s.GetRecord(ctx, recordID); rerr != nil {
			return nil, rerr
		}
		return nil, record.NotFoundf("record %s has no version %d", recordID, version)
	}
	return rv, err
}

func (s *PostgresStore) GetRevisionByID(ctx context.Context, revisionID string) (*record.Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx, pgRevisionSelect+` WHERE id = $1`, revisionID))
}

func (s *PostgresStore) ListRevisions(ctx context.Context, recordID string) ([]*record.Revision, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, pgRevisionSelect+` WHERE record_id = $1 ORDER BY version ASC`, recordID)
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

func (s *PostgresStore) UpdateDraft(ctx context.Context, recordID string, title *string, patch payload.Document) (*record.Record, *record.Revision, error) {
	var outRec *record.Record
	var outRev *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := lockRecord(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is voided", recordID)
		}
		rv, err := scanRevision(tx.QueryRowContext(ctx, pgRevisionSelect+` WHERE id = $1`, rc.CurrentRevisionID))
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
			if _, err := tx.ExecContext(ctx, `UPDATE records SET title = $1 WHERE id = $2`, *title, recordID); err != nil {
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
				`UPDATE revisions SET payload = $1::jsonb WHERE id = $2 AND state = $3`,
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

func (s *PostgresStore) Finalize(ctx context.Context, revisionID, finalizedBy string, finalizedAt time.Time, guard FinalizeGuard) (*record.Revision, error) {
	var out *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rv, err := scanRevision(tx.QueryRowContext(ctx, pgRevisionSelect+` WHERE id = $1`, revisionID))
		if err != nil {
			return err
		}
		rc, err := lockRecord(ctx, tx, rv.RecordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is voided", rv.RecordID)
		}
		rv, err = scanRevision(tx.QueryRowContext(ctx, pgRevisionSelect+` WHERE id = $1`, revisionID))
		if err != nil {
			return err
		}
		if !rv.Draft() {
			return record.ErrImmutableRevision
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
		res, err := tx.ExecContext(ctx, `
			UPDATE revisions SET state = $1, content_hash = $2, finalized_at = $3, finalized_by = $4
			WHERE id = $5 AND state = $6`,
			string(record.StateFinalized), digest, formatTime(at), finalizedBy,
			revisionID, string(record.StateDraft))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return record.Conflictf("revision %s was finalized concurrently", revisionID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = $1 WHERE id = $2`,
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

func (s *PostgresStore) Amend(ctx context.Context, recordID string, p AmendmentParams) (*record.Revision, error) {
	var out *record.Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := lockRecord(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if rc.Voided() {
			return record.Conflictf("record %s is voided", recordID)
		}
		current, err := scanRevision(tx.QueryRowContext(ctx, pgRevisionSelect+` WHERE id = $1`, rc.CurrentRevisionID))
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
		if err := pgInsertRevision(ctx, tx, next); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE revisions SET amended_by = $1 WHERE id = $2 AND (amended_by IS NULL OR amended_by = '')`,
			next.ID, current.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return record.Conflictf("revision %s was amended concurrently", current.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET current_revision_id = $1, current_version = $2, status = $3 WHERE id = $4`,
			next.ID, next.Version, string(record.StatusDraft), recordID); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *PostgresStore) Void(ctx context.Context, recordID, reason, voidedBy string, voidedAt time.Time) (*record.Record, error) {
	var out *record.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rc, err := lockRecord(ctx, tx, recordID)
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET status = $1, void_reason = $2, voided_by = $3, voided_at = $4
			WHERE id = $5`,
			string(record.StatusVoided), reason, voidedBy, formatTime(at), recordID); err != nil {
			return err
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

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func pgInsertRevision(ctx context.Context, tx *sql.Tx, rv *record.Revision) error {
	raw, err := payload.Canonical(rv.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (id, record_id, version, payload, change_type, change_reason,
			effective_at, state, content_hash, predecessor_id, amended_by, created_at,
			created_by, finalized_at, finalized_by)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
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
