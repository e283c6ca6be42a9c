package linktoken

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists link tokens in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `token, session_id, created_by, created_at, expires_at, max_uses, uses_count,
	fence_lat, fence_lng, fence_radius_m, active, deactivated_at`

// Insert writes a new token row.
func (r *PostgresStore) Insert(ctx context.Context, t Token) error {
	var lat, lng, radius *float64
	if t.Geofence != nil {
		lat, lng, radius = &t.Geofence.Center.Lat, &t.Geofence.Center.Lng, &t.Geofence.RadiusMeters
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO link_tokens (token, session_id, created_by, created_at, expires_at, max_uses, uses_count,
			fence_lat, fence_lng, fence_radius_m, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, t.Token, t.SessionID, t.CreatedBy, t.CreatedAt, t.ExpiresAt, t.MaxUses, t.UsesCount, lat, lng, radius, t.Active)
	return err
}

func scanToken(scan func(dest ...any) error) (Token, error) {
	var t Token
	var lat, lng, radius *float64
	err := scan(&t.Token, &t.SessionID, &t.CreatedBy, &t.CreatedAt, &t.ExpiresAt, &t.MaxUses, &t.UsesCount,
		&lat, &lng, &radius, &t.Active, &t.DeactivatedAt)
	if err != nil {
		return Token{}, err
	}
	if lat != nil && lng != nil && radius != nil {
		t.Geofence = &Geofence{RadiusMeters: *radius}
		t.Geofence.Center.Lat = *lat
		t.Geofence.Center.Lng = *lng
	}
	return t, nil
}

// Get returns a token by its opaque string.
func (r *PostgresStore) Get(ctx context.Context, token string) (Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM link_tokens WHERE token = $1
	`, token)
	t, err := scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

// ListBySession returns a session's tokens, newest first.
func (r *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM link_tokens
		WHERE session_id = $1 ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Token
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RetireBySession deactivates every still-active token for a session.
func (r *PostgresStore) RetireBySession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE link_tokens SET active = FALSE, deactivated_at = $2
		WHERE session_id = $1 AND active = TRUE
	`, sessionID, at)
	return err
}

// Deactivate marks one token inactive.
func (r *PostgresStore) Deactivate(ctx context.Context, token string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE link_tokens SET active = FALSE, deactivated_at = $2
		WHERE token = $1 AND active = TRUE
	`, token, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Already inactive or unknown; distinguish for the caller.
		if _, err := r.Get(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeUse increments uses_count only while it is below max_uses, as a
// single conditional update so concurrent consumers cannot overshoot.
func (r *PostgresStore) ConsumeUse(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE link_tokens SET uses_count = uses_count + 1
		WHERE token = $1 AND (max_uses IS NULL OR uses_count < max_uses)
	`, token)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := r.Get(ctx, token); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RestoreUse decrements uses_count, stopping at zero.
func (r *PostgresStore) RestoreUse(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE link_tokens SET uses_count = uses_count - 1
		WHERE token = $1 AND uses_count > 0
	`, token)
	return err
}

// MarkExpired flags tokens past their expiry as inactive.
func (r *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE link_tokens SET active = FALSE, deactivated_at = $1
		WHERE active = TRUE AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
