package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/geo"
	"rollcall/internal/resolver"
)

// PostgresStore persists ledger entries in Postgres. The schema carries a
// unique index on (session_id, student_id); capacity is checked under a
// row lock on the session so the count cannot move between check and
// insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, session_id, student_id, method, status, recorded_by, recorded_at,
	requires_confirmation, confirmed_by, confirmed_at, token_used, confidence, loc_lat, loc_lng`

// InsertUnique performs the atomic uniqueness+capacity check-and-insert.
func (r *PostgresStore) InsertUnique(ctx context.Context, e Entry, capacity int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialize concurrent inserts for the same session; the capacity
	// count below is stable for the rest of the transaction.
	var sessionID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, e.SessionID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	if err != nil {
		return err
	}

	if capacity > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM ledger_entries WHERE session_id = $1
		`, e.SessionID).Scan(&count); err != nil {
			return err
		}
		if count >= capacity {
			return apperr.Newf(apperr.KindCapacityExceeded, "session capacity of %d reached", capacity)
		}
	}

	var lat, lng *float64
	if e.Location != nil {
		lat, lng = &e.Location.Lat, &e.Location.Lng
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, session_id, student_id, method, status, recorded_by, recorded_at,
			requires_confirmation, confirmed_by, confirmed_at, token_used, confidence, loc_lat, loc_lng)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, e.ID, e.SessionID, e.StudentID, string(e.Method), string(e.Status), e.RecordedBy, e.RecordedAt,
		e.RequiresConfirmation, e.ConfirmedBy, e.ConfirmedAt, e.TokenUsed, e.Confidence, lat, lng)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.New(apperr.KindDuplicateAttendance, "student already marked for this session")
	}
	return tx.Commit()
}

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var e Entry
	var method, status string
	var lat, lng *float64
	err := scan(&e.ID, &e.SessionID, &e.StudentID, &method, &status, &e.RecordedBy, &e.RecordedAt,
		&e.RequiresConfirmation, &e.ConfirmedBy, &e.ConfirmedAt, &e.TokenUsed, &e.Confidence, &lat, &lng)
	if err != nil {
		return Entry{}, err
	}
	e.Method = resolver.Method(method)
	e.Status = Status(status)
	if lat != nil && lng != nil {
		e.Location = &geo.Point{Lat: *lat, Lng: *lng}
	}
	return e, nil
}

// Get returns one entry by id.
func (r *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1
	`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// ListBySession returns a session's entries in recording order.
func (r *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE session_id = $1 ORDER BY recorded_at LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountBySession returns how many entries a session holds.
func (r *PostgresStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE session_id = $1
	`, sessionID).Scan(&count)
	return count, err
}

// UpdateStatus changes the declared status of one entry.
func (r *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $2 WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Confirm stamps the confirmation fields while the entry is still pending.
func (r *PostgresStore) Confirm(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET requires_confirmation = FALSE, confirmed_by = $2, confirmed_at = $3
		WHERE id = $1 AND requires_confirmation = TRUE
	`, id, by, at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Delete removes one entry.
func (r *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}
