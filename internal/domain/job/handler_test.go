package job

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

func newTestHandler() (*Handler, *pipelineFixture, *echo.Echo) {
	svc, f := newTestService()
	return NewHandler(svc), f, echo.New()
}

func TestHandler_CreateJob(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"subject_id":"` + uuid.New().String() + `","correlation_id":"corr-1"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateJob(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp createJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if !resp.IsNew || resp.Status != StatusPending {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandler_CreateJob_Duplicate(t *testing.T) {
	h, _, e := newTestHandler()
	subjectID := uuid.New().String()
	body := `{"subject_id":"` + subjectID + `","correlation_id":"corr-1"}`

	for i, wantCode := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := h.CreateJob(c); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Code != wantCode {
			t.Errorf("request %d: expected %d, got %d", i+1, wantCode, rec.Code)
		}
	}
}

func TestHandler_CreateJob_MissingSubject(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateJob(c)
	if err == nil {
		t.Fatal("expected error")
	}
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetStatus(t *testing.T) {
	h, f, e := newTestHandler()
	j := f.newJob(t, StatusPending)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(j.ID.String())

	if err := h.GetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if snap.Status != StatusPending || snap.JobID != j.ID {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_GetStatus_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetStatus(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_AdvanceJob(t *testing.T) {
	h, f, e := newTestHandler()
	j := f.newJob(t, StatusPending)
	f.source.content[j.SubjectID] = map[string]any{"responses": "x"}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(j.ID.String())

	if err := h.AdvanceJob(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("response decode: %v", err)
	}
	if snap.Status != StatusExtracting || snap.Attempt != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_AdvanceJob_AttemptsExhausted(t *testing.T) {
	h, f, e := newTestHandler()
	j := f.newJob(t, StatusPending)
	f.jobs.store[j.ID].Attempt = MaxAttempts

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(j.ID.String())

	err := h.AdvanceJob(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("exhausted attempts are a synchronous rejection, expected 400, got %v", err)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	h, f, e := newTestHandler()
	j := f.newJob(t, StatusPending)

	req := httptest.NewRequest(http.MethodGet, "/?subject_id="+j.SubjectID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListJobs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListJobs_MissingSubject(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ListJobs(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

// grantAuth injects an authenticated physician with the given scopes, the way
// the auth middleware would.
func grantAuth(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"physician"})
			ctx = context.WithValue(ctx, auth.UserScopesKey, scopes)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func TestHandler_RoutesEnforceScopes(t *testing.T) {
	h, f, _ := newTestHandler()
	j := f.newJob(t, StatusPending)
	f.source.content[j.SubjectID] = map[string]any{"responses": "x"}

	tests := []struct {
		name   string
		scopes []string
		method string
		path   string
		want   int
	}{
		{"read scope can get", []string{"jobs.read"}, http.MethodGet, "/api/v1/jobs/" + j.ID.String(), http.StatusOK},
		{"read scope cannot advance", []string{"jobs.read"}, http.MethodPost, "/api/v1/jobs/" + j.ID.String() + "/advance", http.StatusForbidden},
		{"advance scope can advance", []string{"jobs.advance"}, http.MethodPost, "/api/v1/jobs/" + j.ID.String() + "/advance", http.StatusOK},
		{"wildcard covers all", []string{"jobs.*"}, http.MethodGet, "/api/v1/jobs/" + j.ID.String(), http.StatusOK},
		{"no scopes are rejected", nil, http.MethodGet, "/api/v1/jobs/" + j.ID.String(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			api := e.Group("/api/v1", grantAuth(tt.scopes...))
			h.RegisterRoutes(api)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d (body %s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
