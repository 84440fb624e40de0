package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(secret)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"valid", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "u1", ExpiresAt: future}), "u1"},
		{"no expiry", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "u2"}), "u2"},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "u1", ExpiresAt: past}), ""},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "u1"}), ""},
		{"hs512 rejected", sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.RegisteredClaims{Subject: "u1"}), ""},
		{"empty subject", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{}), ""},
		{"garbage", "a.b.c", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Verify(tc.token)
			if tc.want == "" {
				if !errors.Is(err, ErrInvalidToken) {
					t.Fatalf("Verify err = %v, want ErrInvalidToken", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("Verify = %q, %v", got, err)
			}
		})
	}
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
}

func TestRequireAuth(t *testing.T) {
	v := NewVerifier(secret)
	h := v.RequireAuth(http.HandlerFunc(echoUser))
	token := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "u1"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "u1" {
		t.Fatalf("authorized request: %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rr.Code)
	}
	var body map[string]map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body["error"]["code"] != "unauthorized" {
		t.Fatalf("error body = %v, %v", body, err)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/events?access_token="+token, nil)
	h.ServeHTTP(rr, req)
	if rr.Body.String() != "u1" {
		t.Fatalf("query token not accepted: %d", rr.Code)
	}
}

func TestOptionalAuth(t *testing.T) {
	h := NewVerifier(secret).OptionalAuth(http.HandlerFunc(echoUser))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "" {
		t.Fatalf("anonymous: %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	req.Header.Set("Authorization", "Basic dTpw")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("malformed header status = %d", rr.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	h.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(HeaderRequestID) != "abc-123" {
		t.Fatalf("propagated id = %q / %q", seen, rr.Header().Get(HeaderRequestID))
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "bad id with spaces\n")
	h.ServeHTTP(rr, req)
	if seen == "" || strings.Contains(seen, " ") || len(seen) != 36 {
		t.Fatalf("minted id = %q", seen)
	}
}

type recordedRequest struct {
	method, route string
	status        int
}

type fakeRecorder struct{ got []recordedRequest }

func (f *fakeRecorder) HTTPRequest(method, route string, status int, _ time.Duration) {
	f.got = append(f.got, recordedRequest{method, route, status})
}

func TestAccessLogUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	rec := &fakeRecorder{}
	r := chi.NewRouter()
	r.Use(RequestID, AccessLog(zerolog.New(&buf), rec))
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/123", nil))

	if len(rec.got) != 1 || rec.got[0] != (recordedRequest{"GET", "/v1/jobs/{id}", 404}) {
		t.Fatalf("recorded = %+v", rec.got)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line: %v", err)
	}
	if entry["route"] != "/v1/jobs/{id}" || entry["path"] != "/v1/jobs/123" || entry["request_id"] == "" {
		t.Fatalf("log entry = %#v", entry)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/feed", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("preflight: %d %v", rr.Code, rr.Header())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin: %d %v", rr.Code, rr.Header())
	}
}
