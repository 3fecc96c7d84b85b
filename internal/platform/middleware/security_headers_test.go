package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperr"
)

func securedServer() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	e.Use(SecurityHeaders())
	e.GET("/appointments", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{"total": 0})
	})
	e.GET("/appointments/missing", func(c echo.Context) error {
		return apperr.New(apperr.KindNotFound, "appointment not found")
	})
	e.GET("/files/view/:key", func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "private, max-age=3600")
		return c.Blob(http.StatusOK, "application/pdf", []byte("%PDF"))
	})
	return e
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		cache  string
	}{
		{"json response", "/appointments", http.StatusOK, "no-store"},
		{"classified error", "/appointments/missing", http.StatusNotFound, "no-store"},
		{"unrouted path", "/nowhere", http.StatusNotFound, "no-store"},
		{"file view keeps its cache policy", "/files/view/file_1_a.pdf", http.StatusOK, "private, max-age=3600"},
	}

	e := securedServer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			for _, hv := range apiHeaders {
				want := hv.value
				if hv.name == "Cache-Control" {
					want = tt.cache
				}
				if got := rec.Header().Get(hv.name); got != want {
					t.Errorf("%s: got %q, want %q", hv.name, got, want)
				}
			}
		})
	}
}
