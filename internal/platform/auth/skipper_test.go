package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	e := echo.New()

	tests := []struct {
		path string
		skip bool
	}{
		{"/healthz", true},
		{"/health/db", true},
		{"/api/jobs", false},
		{"/api/runs", false},
		{"/", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath(tt.path)
		if got := AuthSkipper(c); got != tt.skip {
			t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/healthz") {
		t.Error("/healthz should be public")
	}
	if IsPublicPath("/api/jobs") {
		t.Error("/api/jobs should not be public")
	}
}
