// Package linktoken issues and validates the self-service capability
// tokens that let students mark their own attendance through a shared
// link. Validity is always recomputed at use time; the stored active flag
// is bookkeeping, never the source of truth.
package linktoken

import (
	"context"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/geo"
)

// Geofence is a circular spatial constraint a self-mark must satisfy.
type Geofence struct {
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Token grants self-service recording on one session.
type Token struct {
	Token         string     `json:"token"`
	SessionID     string     `json:"session_id"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	MaxUses       *int       `json:"max_uses,omitempty"`
	UsesCount     int        `json:"uses_count"`
	Geofence      *Geofence  `json:"geofence,omitempty"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Store persists link tokens.
type Store interface {
	Insert(ctx context.Context, t Token) error
	Get(ctx context.Context, token string) (Token, error)
	ListBySession(ctx context.Context, sessionID string) ([]Token, error)
	// RetireBySession deactivates every still-active token for a session.
	RetireBySession(ctx context.Context, sessionID string, at time.Time) error
	Deactivate(ctx context.Context, token string, at time.Time) error
	// ConsumeUse increments the use count only while it is below the max,
	// as a single conditional update. Returns whether the increment won.
	ConsumeUse(ctx context.Context, token string) (bool, error)
	// RestoreUse decrements the use count, stopping at zero.
	RestoreUse(ctx context.Context, token string) error
	// MarkExpired flags tokens past their expiry as inactive, returning how
	// many rows changed. Advisory housekeeping only.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}

// ErrTokenNotFound is returned when a token string is unknown.
var ErrTokenNotFound = apperr.New(apperr.KindNotFound, "link token not found")
