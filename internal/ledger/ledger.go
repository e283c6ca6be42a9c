// Package ledger is the attendance recording core. It enforces the one
// invariant everything else hangs off: at most one live entry per
// (session, student), never beyond the session's declared capacity.
package ledger

import (
	"context"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/geo"
	"rollcall/internal/resolver"
)

// Status is the declared attendance status of an entry.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusExcused Status = "EXCUSED"
)

// Valid reports whether s is a known attendance status.
func (s Status) Valid() bool {
	return s == StatusPresent || s == StatusLate || s == StatusExcused
}

// Entry is one attendance fact.
type Entry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	StudentID string          `json:"student_id"`
	Method    resolver.Method `json:"method"`
	Status    Status          `json:"status"`
	// RecordedBy is the operator for staffed methods, the student for
	// self-marks.
	RecordedBy           string     `json:"recorded_by"`
	RecordedAt           time.Time  `json:"recorded_at"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	ConfirmedBy          *string    `json:"confirmed_by,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	TokenUsed            *string    `json:"token_used,omitempty"`
	Confidence           *float64   `json:"confidence,omitempty"`
	Location             *geo.Point `json:"location,omitempty"`
}

// Store persists ledger entries.
type Store interface {
	// InsertUnique inserts the entry as one atomic unit with the
	// uniqueness and capacity checks: it fails with DUPLICATE_ATTENDANCE
	// when a live entry already exists for (session, student), and with
	// CAPACITY_EXCEEDED when capacity > 0 and the session already holds
	// capacity entries. Concurrent calls for the same pair must not both
	// pass.
	InsertUnique(ctx context.Context, e Entry, capacity int) error
	Get(ctx context.Context, id string) (Entry, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Entry, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// Confirm stamps the confirmation fields and clears the pending flag,
	// only while the entry is still pending. Returns whether it changed.
	Confirm(ctx context.Context, id, by string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
}

// ErrEntryNotFound is returned when an entry id does not exist.
var ErrEntryNotFound = apperr.New(apperr.KindNotFound, "ledger entry not found")
