package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
}

func refuse(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"password":"pw"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boxes/0/cancel", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})
	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be readable after verification")
}

func TestMiddleware_AcceptsUpperCaseHex(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/action", strings.NewReader("{}"))
	SignRequest(req, "secret", []byte("{}"), now)
	req.Header.Set(HeaderSignature, strings.ToUpper(req.Header.Get(HeaderSignature)))
	rec := httptest.NewRecorder()
	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_Rejects(t *testing.T) {
	body := `{"amount":"1"}`
	ts := strconv.FormatInt(now.Unix(), 10)
	signed := func(secret, ts, method, path string) string {
		return Sign(secret, Payload(ts, method, path, []byte(body)))
	}

	tests := []struct {
		name string
		sig  string
		ts   string
	}{
		{"bad signature", "deadbeef", ts},
		{"missing signature", "", ts},
		{"missing timestamp", signed("secret", ts, http.MethodPut, "/api/v1/form"), ""},
		{"stale timestamp", signed("secret", "1600000000", http.MethodPut, "/api/v1/form"), "1600000000"},
		{"other secret", signed("other", ts, http.MethodPut, "/api/v1/form"), ts},
		{"other path", signed("secret", ts, http.MethodPut, "/api/v1/boxes/1/accept"), ts},
		{"other method", signed("secret", ts, http.MethodPost, "/api/v1/form"), ts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/form", strings.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(HeaderSignature, tt.sig)
			}
			if tt.ts != "" {
				req.Header.Set(HeaderTimestamp, tt.ts)
			}
			rec := httptest.NewRecorder()
			newVerifier().Middleware(refuse(t)).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddleware_BodyLimit(t *testing.T) {
	body := strings.Repeat("a", 65)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boxes", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	v := newVerifier()
	v.MaxBody = 64
	v.Middleware(refuse(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPayloadLayout(t *testing.T) {
	assert.Equal(t, "1700000000\nPOST\n/api/v1/boxes\n{}", string(Payload("1700000000", "post", "/api/v1/boxes", []byte("{}"))))
	assert.Len(t, Sign("secret", []byte("x")), 64)
}

func TestMiddleware_SafeMethodsPassUnsigned(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/action", nil)
	rec := httptest.NewRecorder()
	called := false
	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)
	require.True(t, called)
}

func TestMiddleware_EmptySecretDisablesCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/action", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	called := false
	(&Verifier{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)
	assert.True(t, called)
}
