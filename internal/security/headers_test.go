package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveWith(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStandardHeadersApplied(t *testing.T) {
	w := serveWith(HeadersMiddleware(), httptest.NewRequest("GET", "/test", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("CSP = %q, want default-src 'none' for an API-only surface", csp)
	}
	if !strings.Contains(csp, "wss:") {
		t.Errorf("CSP = %q, must admit WebSocket connections", csp)
	}
	if w.Header().Get("Permissions-Policy") == "" {
		t.Error("Permissions-Policy not set")
	}
}

func TestCORSOriginHandling(t *testing.T) {
	tests := []struct {
		name          string
		allowed       []string
		requestOrigin string
		wantReflected bool
		wantCreds     bool
	}{
		{
			name:          "explicit origin reflected with credentials",
			allowed:       []string{"https://app.callshield.example"},
			requestOrigin: "https://app.callshield.example",
			wantReflected: true,
			wantCreds:     true,
		},
		{
			name:          "unknown origin refused",
			allowed:       []string{"https://app.callshield.example"},
			requestOrigin: "https://evil.example",
			wantReflected: false,
		},
		{
			name:          "wildcard reflects without credentials",
			allowed:       []string{"*"},
			requestOrigin: "https://anything.example",
			wantReflected: true,
			wantCreds:     false,
		},
		{
			name:          "empty list admits any origin without credentials",
			allowed:       nil,
			requestOrigin: "https://anything.example",
			wantReflected: true,
			wantCreds:     false,
		},
		{
			name:          "origin match is case-insensitive",
			allowed:       []string{"https://App.Callshield.Example"},
			requestOrigin: "https://app.callshield.example",
			wantReflected: true,
			wantCreds:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := serveWith(CORSMiddleware(tc.allowed), req)

			reflected := w.Header().Get("Access-Control-Allow-Origin") == tc.requestOrigin
			if reflected != tc.wantReflected {
				t.Errorf("origin reflected = %v, want %v", reflected, tc.wantReflected)
			}
			creds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if creds != tc.wantCreds {
				t.Errorf("credentials allowed = %v, want %v", creds, tc.wantCreds)
			}
			if w.Header().Get("Vary") != "Origin" {
				t.Error("Vary: Origin missing")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://app.callshield.example")
	w := serveWith(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	methods := w.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(methods, "PATCH") || !strings.Contains(methods, "DELETE") {
		t.Errorf("Allow-Methods = %q, must cover the admin surface", methods)
	}
	headers := w.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(headers, "X-Admin-Key") || !strings.Contains(headers, "X-API-Key") {
		t.Errorf("Allow-Headers = %q, must cover both key headers", headers)
	}
}
