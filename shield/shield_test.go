package shield

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestSecurityHeaders_EmptySkipped(t *testing.T) {
	h := SecurityHeaders(HeaderConfig{XFrameOptions: "SAMEORIGIN"})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Error("configured header missing")
	}
	if _, ok := rec.Header()["Content-Security-Policy"]; ok {
		t.Error("empty header was set")
	}
}

func TestMaxBody_DeclaredLength(t *testing.T) {
	h := MaxBody(16)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/working", strings.NewReader(strings.Repeat("x", 64))))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", rec.Code)
	}
}

func TestMaxBody_StreamedBody(t *testing.T) {
	var decodeErr error
	h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		decodeErr = json.NewDecoder(r.Body).Decode(&v)
	}))
	req := httptest.NewRequest("PUT", "/api/working", io.NopCloser(strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`)))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	if decodeErr == nil {
		t.Fatal("oversized streamed body decoded")
	}
}

func TestMaxBody_Disabled(t *testing.T) {
	h := MaxBody(0)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/", strings.NewReader(strings.Repeat("x", 1024))))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAdminStack(t *testing.T) {
	r := chi.NewRouter()
	r.Use(AdminStack(DefaultMaxBody)...)
	var method string
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Write([]byte("OK"))
	})
	r.Put("/api/working", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("HEAD", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD /health = %d, want 200", rec.Code)
	}
	if method != http.MethodHead {
		t.Fatalf("handler saw %q, want the original HEAD", method)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/working", strings.NewReader(strings.Repeat("x", int(DefaultMaxBody)+1))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized PUT = %d, want 413", rec.Code)
	}
}
