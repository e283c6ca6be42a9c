// Package session owns the recording-session lifecycle and the
// collaborator permission model every write-side component consults.
package session

import (
	"context"
	"time"

	"rollcall/internal/apperr"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
)

// Role is a collaborator's permission level on a session.
type Role string

const (
	// RoleAssistant may record and confirm attendance, never manage the
	// session lifecycle.
	RoleAssistant Role = "ASSISTANT"
	// RoleObserver may only read.
	RoleObserver Role = "OBSERVER"
)

// Valid reports whether r is a known collaborator role.
func (r Role) Valid() bool {
	return r == RoleAssistant || r == RoleObserver
}

// Action is a write-side capability checked before every mutation.
type Action string

const (
	ActionRecord          Action = "RECORD"
	ActionConfirm         Action = "CONFIRM"
	ActionManageLifecycle Action = "MANAGE_LIFECYCLE"
)

// Actor identifies the authenticated user performing an operation.
type Actor struct {
	UserID string
	Admin  bool
}

// Session is one bounded attendance recording window.
type Session struct {
	ID          string     `json:"id"`
	CourseCode  string     `json:"course_code"`
	CourseTitle string     `json:"course_title"`
	Venue       string     `json:"venue,omitempty"`
	// Capacity is the declared maximum distinct students; 0 means unbounded.
	Capacity  int        `json:"capacity"`
	Status    Status     `json:"status"`
	OwnerID   string     `json:"owner_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

// Collaborator grants a user a role on one session.
type Collaborator struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	AddedAt   time.Time `json:"added_at"`
}

// Store persists sessions and their collaborators.
type Store interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]Session, error)
	// CompareAndSetStatus transitions id from expected to next only when the
	// stored status still equals expected, returning whether the swap
	// happened. endedAt and notes are stamped when non-nil.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, endedAt *time.Time, notes *string) (bool, error)
	Delete(ctx context.Context, id string) error

	PutCollaborator(ctx context.Context, c Collaborator) error
	DeleteCollaborator(ctx context.Context, sessionID, userID string) error
	GetCollaborator(ctx context.Context, sessionID, userID string) (Collaborator, error)
	ListCollaborators(ctx context.Context, sessionID string) ([]Collaborator, error)
}

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = apperr.New(apperr.KindNotFound, "session not found")

// ErrCollaboratorNotFound is returned when a (session,user) grant is absent.
var ErrCollaboratorNotFound = apperr.New(apperr.KindNotFound, "collaborator not found")
