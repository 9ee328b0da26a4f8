package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"jobs.read", "jobs.read", true},
		{"jobs.read", "jobs.write", false},
		{"jobs.*", "jobs.write", true},
		{"*.read", "runs.read", true},
		{"*.read", "runs.write", false},
		{"*.*", "jobs.read", true},
		{"*.*", "audit.write", true},
		{"jobs", "jobs.read", false},
		{"", "jobs.read", false},
	}

	for _, tt := range tests {
		got := matchScope(tt.granted, tt.required)
		if got != tt.want {
			t.Errorf("matchScope(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func newContextWithRoles(roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func newContextWithScopes(scopes []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserScopesKey, scopes)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

var okHandler = func(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := newContextWithRoles([]string{"physician"})
	mw := RequireRole("physician", "care_coordinator")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminAccessesAll(t *testing.T) {
	for _, roles := range [][]string{{"physician"}, {"care_coordinator"}, {"billing"}} {
		c, _ := newContextWithRoles([]string{"admin"})
		mw := RequireRole(roles...)
		if err := mw(okHandler)(c); err != nil {
			t.Errorf("admin should access endpoint requiring %v, got error: %v", roles, err)
		}
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c, _ := newContextWithRoles([]string{"patient"})
	mw := RequireRole("physician")
	err := mw(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	c, _ := newContextWithRoles(nil)
	mw := RequireRole("physician")
	if err := mw(okHandler)(c); err == nil {
		t.Error("expected error for request without roles")
	}
}

func TestRequireScope_Allowed(t *testing.T) {
	c, rec := newContextWithScopes([]string{"jobs.read", "runs.read"})
	mw := RequireScope("jobs", "read")
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireScope_WildcardGrant(t *testing.T) {
	c, _ := newContextWithScopes([]string{"*.*"})
	mw := RequireScope("runs", "write")
	if err := mw(okHandler)(c); err != nil {
		t.Errorf("wildcard grant should cover runs.write: %v", err)
	}
}

func TestRequireScope_Denied(t *testing.T) {
	c, _ := newContextWithScopes([]string{"jobs.read"})
	mw := RequireScope("jobs", "write")
	err := mw(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}
