package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rollcall/internal/auth"
	"rollcall/internal/directory"
	"rollcall/internal/emitter"
	"rollcall/internal/ledger"
	"rollcall/internal/linktoken"
	"rollcall/internal/metrics"
	"rollcall/internal/resolver"
	"rollcall/internal/session"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "rollcall-test"
)

func newTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	students := directory.NewMemoryStore()
	entryStore := ledger.NewMemoryStore()
	tokens := linktoken.NewService(linktoken.NewMemoryStore(), nil, 24, true)
	sessions := session.NewService(session.NewMemoryStore(), entryStore, tokens)
	tokens.SetSessions(sessions)
	entries := ledger.NewService(entryStore, sessions, tokens, resolver.New(students), emitter.NewMemory(), ledger.Options{})

	r := gin.New()
	h := New(sessions, tokens, entries, students)
	authGroup := r.Group("/v1", auth.OperatorAuth(testSigningKey, testIssuer))
	public := r.Group("/v1")
	h.Register(authGroup, public)

	pair, err := auth.Issue("prof-1", auth.RoleOperator, testIssuer, testSigningKey, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("issue bearer token: %v", err)
	}
	return r, pair.AccessToken
}

func doJSON(t *testing.T, r *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createSessionHTTP(t *testing.T, r *gin.Engine, bearer string) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/v1/sessions", bearer, gin.H{"course_code": "EE-201"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return created.ID
}

func TestSessionsInProgressGauge(t *testing.T) {
	r, bearer := newTestRouter(t)
	base := testutil.ToFloat64(metrics.SessionsInProgress)

	// Ending from PAUSED must not decrement a second time.
	id := createSessionHTTP(t, r, bearer)
	if got := testutil.ToFloat64(metrics.SessionsInProgress); got != base+1 {
		t.Fatalf("after create: gauge %v, want %v", got, base+1)
	}
	if rec := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id+"/pause", bearer, nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SessionsInProgress); got != base {
		t.Fatalf("after pause: gauge %v, want %v", got, base)
	}
	if rec := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id+"/end", bearer, nil); rec.Code != http.StatusOK {
		t.Fatalf("end: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SessionsInProgress); got != base {
		t.Fatalf("after end from paused: gauge %v, want %v", got, base)
	}

	// Ending from IN_PROGRESS decrements exactly once.
	id = createSessionHTTP(t, r, bearer)
	if rec := doJSON(t, r, http.MethodPost, "/v1/sessions/"+id+"/end", bearer, nil); rec.Code != http.StatusOK {
		t.Fatalf("end: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SessionsInProgress); got != base {
		t.Fatalf("after end from in-progress: gauge %v, want %v", got, base)
	}

	// Deleting an in-progress session releases its slot too.
	id = createSessionHTTP(t, r, bearer)
	if rec := doJSON(t, r, http.MethodDelete, "/v1/sessions/"+id, bearer, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SessionsInProgress); got != base {
		t.Fatalf("after delete: gauge %v, want %v", got, base)
	}
}

func TestRoutesRequireBearer(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/v1/sessions", "", gin.H{"course_code": "EE-201"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}
}
