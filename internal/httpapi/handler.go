// Package httpapi exposes the attendance engine over HTTP with gin.
package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rollcall/internal/apperr"
	"rollcall/internal/auth"
	"rollcall/internal/directory"
	"rollcall/internal/geo"
	"rollcall/internal/ledger"
	"rollcall/internal/linktoken"
	"rollcall/internal/metrics"
	"rollcall/internal/resolver"
	"rollcall/internal/session"
)

// Handler wires the domain services to HTTP routes.
type Handler struct {
	sessions *session.Service
	tokens   *linktoken.Service
	entries  *ledger.Service
	students directory.Store
}

// New creates the handler.
func New(sessions *session.Service, tokens *linktoken.Service, entries *ledger.Service, students directory.Store) *Handler {
	return &Handler{sessions: sessions, tokens: tokens, entries: entries, students: students}
}

// Register mounts the authenticated and public routes. selfMark carries
// its own rate limiter because the link fans out to a whole class.
func (h *Handler) Register(authGroup *gin.RouterGroup, public *gin.RouterGroup) {
	authGroup.POST("/sessions", h.CreateSession)
	authGroup.GET("/sessions", h.ListSessions)
	authGroup.GET("/sessions/:id", h.GetSession)
	authGroup.POST("/sessions/:id/pause", h.PauseSession)
	authGroup.POST("/sessions/:id/resume", h.ResumeSession)
	authGroup.POST("/sessions/:id/end", h.EndSession)
	authGroup.DELETE("/sessions/:id", h.DeleteSession)

	authGroup.POST("/sessions/:id/collaborators", h.AddCollaborator)
	authGroup.DELETE("/sessions/:id/collaborators/:userID", h.RemoveCollaborator)
	authGroup.GET("/sessions/:id/collaborators", h.ListCollaborators)

	authGroup.POST("/sessions/:id/links", h.IssueLink)
	authGroup.GET("/sessions/:id/links", h.ListLinks)
	authGroup.DELETE("/links/:token", h.RevokeLink)

	authGroup.POST("/sessions/:id/records", h.Record)
	authGroup.GET("/sessions/:id/records", h.ListRecords)
	authGroup.POST("/sessions/:id/records/confirm", h.BulkConfirm)
	authGroup.PATCH("/records/:id", h.UpdateRecordStatus)
	authGroup.DELETE("/records/:id", h.DeleteRecord)

	authGroup.POST("/students", h.UpsertStudent)
	authGroup.GET("/students", h.ListStudents)

	public.POST("/self-mark", h.SelfMark)
}

// writeError maps typed rejections to HTTP statuses; anything untyped is
// an infrastructure fault and is logged without leaking internals.
func writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		log.Printf("internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	metrics.RejectionsTotal.WithLabelValues(string(appErr.Kind)).Inc()
	body := gin.H{"error": appErr.Message, "kind": appErr.Kind}
	for k, v := range appErr.Details {
		body[k] = v
	}
	c.JSON(statusFor(appErr.Kind), body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound, apperr.KindStudentNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindDuplicateAttendance, apperr.KindCapacityExceeded, apperr.KindInvalidTransition, apperr.KindSessionNotActive:
		return http.StatusConflict
	case apperr.KindTokenExpired, apperr.KindTokenExhausted, apperr.KindTokenInactive:
		return http.StatusGone
	case apperr.KindLocationRequired, apperr.KindOutsideGeofence, apperr.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ---------- Sessions ----------

type createSessionRequest struct {
	CourseCode  string `json:"course_code" binding:"required"`
	CourseTitle string `json:"course_title"`
	Venue       string `json:"venue"`
	Capacity    int    `json:"capacity"`
}

// CreateSession opens a new recording window owned by the caller.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), auth.ActorFrom(c), session.CreateInput{
		CourseCode:  req.CourseCode,
		CourseTitle: req.CourseTitle,
		Venue:       req.Venue,
		Capacity:    req.Capacity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsInProgress.Inc()
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns the caller's sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	limit, offset := pagination(c)
	sessions, err := h.sessions.List(c.Request.Context(), auth.ActorFrom(c).UserID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session with its recorded count.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	count, err := h.entries.Count(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "recorded_count": count})
}

// PauseSession suspends recording.
func (h *Handler) PauseSession(c *gin.Context) {
	sess, err := h.sessions.Pause(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsInProgress.Dec()
	c.JSON(http.StatusOK, sess)
}

// ResumeSession reopens a paused session.
func (h *Handler) ResumeSession(c *gin.Context) {
	sess, err := h.sessions.Resume(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsInProgress.Inc()
	c.JSON(http.StatusOK, sess)
}

type endSessionRequest struct {
	Notes *string `json:"notes"`
}

// EndSession completes a session and retires its links.
func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionRequest
	_ = c.ShouldBindJSON(&req) // body optional
	// A paused session already left the gauge; only the
	// IN_PROGRESS -> COMPLETED edge decrements it.
	prior, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	sess, err := h.sessions.End(c.Request.Context(), c.Param("id"), auth.ActorFrom(c), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	if prior.Status == session.StatusInProgress {
		metrics.SessionsInProgress.Dec()
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession removes an empty in-progress session.
func (h *Handler) DeleteSession(c *gin.Context) {
	prior, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id"), auth.ActorFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	if prior.Status == session.StatusInProgress {
		metrics.SessionsInProgress.Dec()
	}
	c.Status(http.StatusNoContent)
}

// ---------- Collaborators ----------

type addCollaboratorRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

// AddCollaborator grants a role on the session.
func (h *Handler) AddCollaborator(c *gin.Context) {
	var req addCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	collab, err := h.sessions.AddCollaborator(c.Request.Context(), c.Param("id"), auth.ActorFrom(c), req.UserID, session.Role(req.Role))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, collab)
}

// RemoveCollaborator revokes a role on the session.
func (h *Handler) RemoveCollaborator(c *gin.Context) {
	if err := h.sessions.RemoveCollaborator(c.Request.Context(), c.Param("id"), auth.ActorFrom(c), c.Param("userID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListCollaborators returns the session's grants.
func (h *Handler) ListCollaborators(c *gin.Context) {
	collabs, err := h.sessions.Collaborators(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": collabs})
}

// ---------- Links ----------

type issueLinkRequest struct {
	TTLMinutes int      `json:"ttl_minutes" binding:"required"`
	MaxUses    *int     `json:"max_uses"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	RadiusM    *float64 `json:"radius_m"`
}

// IssueLink creates a self-mark link, superseding any active one.
func (h *Handler) IssueLink(c *gin.Context) {
	var req issueLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var fence *linktoken.Geofence
	if req.RadiusM != nil {
		if req.Lat == nil || req.Lng == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required with radius_m"})
			return
		}
		fence = &linktoken.Geofence{
			Center:       geo.Point{Lat: *req.Lat, Lng: *req.Lng},
			RadiusMeters: *req.RadiusM,
		}
	}
	tok, err := h.tokens.Issue(c.Request.Context(), auth.ActorFrom(c), linktoken.IssueInput{
		SessionID:  c.Param("id"),
		TTLMinutes: req.TTLMinutes,
		MaxUses:    req.MaxUses,
		Geofence:   fence,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.TokensIssuedTotal.Inc()
	c.JSON(http.StatusCreated, tok)
}

// ListLinks returns a session's tokens.
func (h *Handler) ListLinks(c *gin.Context) {
	toks, err := h.tokens.ListBySession(c.Request.Context(), c.Param("id"), auth.ActorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": toks})
}

// RevokeLink deactivates a token immediately.
func (h *Handler) RevokeLink(c *gin.Context) {
	if err := h.tokens.Revoke(c.Request.Context(), c.Param("token"), auth.ActorFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Records ----------

type recordRequest struct {
	Identifier string   `json:"identifier" binding:"required"`
	Method     string   `json:"method" binding:"required"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
}

// Record marks a student present through a staffed channel.
func (h *Handler) Record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	method := resolver.Method(req.Method)
	if method == resolver.MethodLinkSelfMark {
		c.JSON(http.StatusBadRequest, gin.H{"error": "self-marking goes through the public link endpoint"})
		return
	}
	entry, err := h.entries.Record(c.Request.Context(), auth.ActorFrom(c), ledger.RecordInput{
		SessionID:  c.Param("id"),
		Identifier: req.Identifier,
		Method:     method,
		Status:     ledger.Status(req.Status),
		Confidence: req.Confidence,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.RecordsTotal.WithLabelValues(string(method)).Inc()
	c.JSON(http.StatusCreated, entry)
}

// ListRecords returns a session's ledger entries.
func (h *Handler) ListRecords(c *gin.Context) {
	limit, offset := pagination(c)
	entries, err := h.entries.List(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": entries})
}

type bulkConfirmRequest struct {
	EntryIDs []string `json:"entry_ids" binding:"required"`
	Accept   bool     `json:"accept"`
}

// BulkConfirm accepts or rejects pending self-marked entries.
func (h *Handler) BulkConfirm(c *gin.Context) {
	var req bulkConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	affected, err := h.entries.BulkConfirm(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), req.EntryIDs, req.Accept)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected": affected})
}

type updateRecordRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateRecordStatus changes one entry's declared status.
func (h *Handler) UpdateRecordStatus(c *gin.Context) {
	var req updateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.entries.UpdateStatus(c.Request.Context(), auth.ActorFrom(c), c.Param("id"), ledger.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// DeleteRecord removes one entry (undo).
func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.entries.Delete(c.Request.Context(), auth.ActorFrom(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Self-mark (public) ----------

type selfMarkRequest struct {
	Token     string   `json:"token" binding:"required"`
	StudentID string   `json:"student_id" binding:"required"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

// SelfMark records attendance through a shared link. Authorization comes
// from the validated token, not a bearer identity.
func (h *Handler) SelfMark(c *gin.Context) {
	var req selfMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var loc *geo.Point
	if req.Lat != nil && req.Lng != nil {
		loc = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	}
	entry, err := h.entries.Record(c.Request.Context(), session.Actor{UserID: req.StudentID}, ledger.RecordInput{
		Identifier: req.StudentID,
		Method:     resolver.MethodLinkSelfMark,
		LinkToken:  &req.Token,
		Location:   loc,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.RecordsTotal.WithLabelValues(string(resolver.MethodLinkSelfMark)).Inc()
	c.JSON(http.StatusCreated, gin.H{
		"entry_id":              entry.ID,
		"session_id":            entry.SessionID,
		"requires_confirmation": entry.RequiresConfirmation,
		"recorded_at":           entry.RecordedAt,
	})
}

// ---------- Students ----------

type upsertStudentRequest struct {
	IndexNumber       string  `json:"index_number" binding:"required"`
	FullName          string  `json:"full_name" binding:"required"`
	QRPayload         *string `json:"qr_payload"`
	BiometricHash     *string `json:"biometric_hash"`
	BiometricProvider *string `json:"biometric_provider"`
}

// UpsertStudent registers or updates a directory record.
func (h *Handler) UpsertStudent(c *gin.Context) {
	var req upsertStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	student, err := h.students.Upsert(c.Request.Context(), directory.Student{
		IndexNumber:       req.IndexNumber,
		FullName:          req.FullName,
		QRPayload:         req.QRPayload,
		BiometricHash:     req.BiometricHash,
		BiometricProvider: req.BiometricProvider,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, student)
}

// ListStudents returns directory records.
func (h *Handler) ListStudents(c *gin.Context) {
	limit, offset := pagination(c)
	students, err := h.students.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, offset = 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}
