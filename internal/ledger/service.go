package ledger

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/apperr"
	"rollcall/internal/directory"
	"rollcall/internal/emitter"
	"rollcall/internal/geo"
	"rollcall/internal/linktoken"
	"rollcall/internal/resolver"
	"rollcall/internal/session"
)

// Sessions is the slice of the session service the ledger consults before
// every write.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Authorize(ctx context.Context, sessionID string, actor session.Actor, action session.Action) error
}

// Tokens is the slice of the link token service used for self-marks.
type Tokens interface {
	Validate(ctx context.Context, token string, callerLocation *geo.Point) (linktoken.Token, error)
	Consume(ctx context.Context, token string) error
	RestoreUse(ctx context.Context, token string) error
}

// Resolver maps raw identifiers to students.
type Resolver interface {
	Resolve(ctx context.Context, identifier string, method resolver.Method) (directory.Student, error)
}

// Service is the attendance recording engine.
type Service struct {
	store    Store
	sessions Sessions
	tokens   Tokens
	resolve  Resolver
	emit     emitter.Emitter
	clock    func() time.Time
	newID    func() string
	// minConfidence is the floor for biometric methods, enforced before
	// resolution so the resolver stays a pure lookup.
	minConfidence float64
	// rejectRestoresUse refunds the link use when a pending self-mark is
	// rejected.
	rejectRestoresUse bool
}

// Options tune recording policy.
type Options struct {
	MinBiometricConfidence float64
	RejectRestoresUse      bool
}

// NewService creates the ledger engine.
func NewService(store Store, sessions Sessions, tokens Tokens, resolve Resolver, emit emitter.Emitter, opts Options) *Service {
	if opts.MinBiometricConfidence <= 0 {
		opts.MinBiometricConfidence = 0.8
	}
	return &Service{
		store:             store,
		sessions:          sessions,
		tokens:            tokens,
		resolve:           resolve,
		emit:              emit,
		clock:             time.Now,
		newID:             uuid.NewString,
		minConfidence:     opts.MinBiometricConfidence,
		rejectRestoresUse: opts.RejectRestoresUse,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RecordInput describes one recording request.
type RecordInput struct {
	// SessionID is ignored for link self-marks; the session is derived
	// from the token so a link cannot be replayed against another session.
	SessionID  string
	Identifier string
	Method     resolver.Method
	Status     Status
	Confidence *float64
	LinkToken  *string
	Location   *geo.Point
}

// Record runs the full recording flow: authorization, session state,
// token validation, identity resolution, then the atomic
// uniqueness+capacity insert. The token use is burned only after the
// insert commits, and the live-update event goes out only post-commit.
func (s *Service) Record(ctx context.Context, actor session.Actor, in RecordInput) (Entry, error) {
	if !in.Method.Valid() {
		return Entry{}, apperr.Newf(apperr.KindValidation, "unknown verification method %q", in.Method)
	}
	if in.Status == "" {
		in.Status = StatusPresent
	}
	if !in.Status.Valid() {
		return Entry{}, apperr.Newf(apperr.KindValidation, "unknown attendance status %q", in.Status)
	}

	var tokenUsed *string
	if in.Method == resolver.MethodLinkSelfMark {
		// A validated token is the self-marker's authorization; no
		// collaborator role is involved.
		if in.LinkToken == nil || *in.LinkToken == "" {
			return Entry{}, apperr.New(apperr.KindValidation, "a link token is required for self-marking")
		}
		tok, err := s.tokens.Validate(ctx, *in.LinkToken, in.Location)
		if err != nil {
			return Entry{}, err
		}
		in.SessionID = tok.SessionID
		tokenUsed = in.LinkToken
	} else {
		if err := s.sessions.Authorize(ctx, in.SessionID, actor, session.ActionRecord); err != nil {
			return Entry{}, err
		}
	}

	sess, err := s.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return Entry{}, err
	}
	if sess.Status != session.StatusInProgress {
		return Entry{}, apperr.Newf(apperr.KindSessionNotActive, "session is %s", sess.Status)
	}

	if in.Method == resolver.MethodBiometricFingerprint || in.Method == resolver.MethodBiometricFace {
		if in.Confidence == nil {
			return Entry{}, apperr.New(apperr.KindValidation, "biometric recording requires a confidence score")
		}
		if *in.Confidence < s.minConfidence {
			return Entry{}, apperr.Newf(apperr.KindValidation, "biometric confidence %.2f below the %.2f threshold", *in.Confidence, s.minConfidence)
		}
	}

	student, err := s.resolve.Resolve(ctx, in.Identifier, in.Method)
	if err != nil {
		return Entry{}, err
	}

	now := s.clock().UTC()
	entry := Entry{
		ID:         s.newID(),
		SessionID:  in.SessionID,
		StudentID:  student.ID,
		Method:     in.Method,
		Status:     in.Status,
		RecordedBy: actor.UserID,
		RecordedAt: now,
		TokenUsed:  tokenUsed,
		Confidence: in.Confidence,
		Location:   in.Location,
	}
	if in.Method == resolver.MethodLinkSelfMark {
		entry.RequiresConfirmation = true
	} else {
		by := actor.UserID
		at := now
		entry.ConfirmedBy = &by
		entry.ConfirmedAt = &at
	}

	if err := s.store.InsertUnique(ctx, entry, sess.Capacity); err != nil {
		if apperr.Is(err, apperr.KindDuplicateAttendance) {
			return Entry{}, apperr.Newf(apperr.KindDuplicateAttendance, "%s is already marked for this session", student.IndexNumber).
				WithDetail("index_number", student.IndexNumber)
		}
		return Entry{}, err
	}

	if tokenUsed != nil {
		// Burned only after the insert so a failed insert never costs a
		// use. If a concurrent self-mark exhausted the token between
		// validate and here, roll the entry back so the use bound holds.
		if err := s.tokens.Consume(ctx, *tokenUsed); err != nil {
			if delErr := s.store.Delete(ctx, entry.ID); delErr != nil {
				log.Printf("rollback entry %s after consume failure: %v", entry.ID, delErr)
			}
			return Entry{}, err
		}
	}

	s.publish(emitter.Event{
		Type:      emitter.TypeRecorded,
		SessionID: entry.SessionID,
		EntryID:   entry.ID,
		StudentID: entry.StudentID,
		Method:    string(entry.Method),
		At:        now,
	})
	return entry, nil
}

// BulkConfirm accepts or rejects pending self-marked entries. Accepting
// stamps the confirmation; rejecting deletes the entry outright, freeing
// the (session, student) slot for a fresh attempt.
func (s *Service) BulkConfirm(ctx context.Context, actor session.Actor, sessionID string, entryIDs []string, accept bool) (int, error) {
	if err := s.sessions.Authorize(ctx, sessionID, actor, session.ActionConfirm); err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	affected := 0
	for _, id := range entryIDs {
		entry, err := s.store.Get(ctx, id)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return affected, err
		}
		if entry.SessionID != sessionID || !entry.RequiresConfirmation {
			continue
		}
		if accept {
			changed, err := s.store.Confirm(ctx, id, actor.UserID, now)
			if err != nil {
				return affected, err
			}
			if !changed {
				continue
			}
			s.publish(emitter.Event{Type: emitter.TypeConfirmed, SessionID: sessionID, EntryID: id, StudentID: entry.StudentID, At: now})
		} else {
			if err := s.store.Delete(ctx, id); err != nil {
				return affected, err
			}
			if s.rejectRestoresUse && entry.TokenUsed != nil {
				if err := s.tokens.RestoreUse(ctx, *entry.TokenUsed); err != nil {
					log.Printf("restore use on %s: %v", *entry.TokenUsed, err)
				}
			}
			s.publish(emitter.Event{Type: emitter.TypeRejected, SessionID: sessionID, EntryID: id, StudentID: entry.StudentID, At: now})
		}
		affected++
	}
	return affected, nil
}

// UpdateStatus changes the declared status of one entry.
func (s *Service) UpdateStatus(ctx context.Context, actor session.Actor, entryID string, status Status) (Entry, error) {
	if !status.Valid() {
		return Entry{}, apperr.Newf(apperr.KindValidation, "unknown attendance status %q", status)
	}
	entry, err := s.store.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if err := s.sessions.Authorize(ctx, entry.SessionID, actor, session.ActionRecord); err != nil {
		return Entry{}, err
	}
	if err := s.store.UpdateStatus(ctx, entryID, status); err != nil {
		return Entry{}, err
	}
	entry.Status = status
	return entry, nil
}

// Delete removes one entry (undo).
func (s *Service) Delete(ctx context.Context, actor session.Actor, entryID string) error {
	entry, err := s.store.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.sessions.Authorize(ctx, entry.SessionID, actor, session.ActionRecord); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, entryID); err != nil {
		return err
	}
	s.publish(emitter.Event{Type: emitter.TypeDeleted, SessionID: entry.SessionID, EntryID: entryID, StudentID: entry.StudentID, At: s.clock().UTC()})
	return nil
}

// List returns a session's entries.
func (s *Service) List(ctx context.Context, sessionID string, limit, offset int) ([]Entry, error) {
	return s.store.ListBySession(ctx, sessionID, limit, offset)
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	return s.store.Get(ctx, id)
}

// Count returns how many entries a session holds.
func (s *Service) Count(ctx context.Context, sessionID string) (int, error) {
	return s.store.CountBySession(ctx, sessionID)
}

// publish ships an event without ever delaying or failing the caller.
func (s *Service) publish(event emitter.Event) {
	if s.emit == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.emit.Publish(ctx, event); err != nil {
			log.Printf("emit %s for session %s: %v", event.Type, event.SessionID, err)
		}
	}()
}
