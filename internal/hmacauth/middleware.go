// Package hmacauth authenticates mutating control-API calls. A signature covers
// the timestamp, method, path and body, so a signed cancel of one box cannot
// be replayed as an accept of another.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	DefaultMaxBody int64 = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large to verify")
)

// Verifier checks signatures on every request that is not GET, HEAD or
// OPTIONS. An empty Secret turns verification off.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	MaxBody int64 // 0 means DefaultMaxBody
	Now     func() time.Time
	Log     zerolog.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.Secret == "" || isSafe(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if err := v.verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			v.Log.Warn().Err(err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", r.Header.Get("X-Request-Id")).
				Msg("rejected request signature")
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if sig == "" {
		return ErrMissingSignature
	}
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}
	if skew := v.now().Sub(time.Unix(unix, 0)); skew > v.MaxSkew || -skew > v.MaxSkew {
		return fmt.Errorf("%w: off by %s", ErrStaleTimestamp, skew.Round(time.Second))
	}

	body, err := v.readBody(r)
	if err != nil {
		return err
	}
	want := Sign(v.Secret, Payload(ts, r.Method, r.URL.Path, body))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// readBody buffers the body for the signature and leaves it readable again
// for the handler.
func (v *Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := v.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Payload is the byte string a signature covers: timestamp, upper-case
// method and path on their own lines, then the raw body.
func Payload(timestamp, method, path string, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(timestamp) + len(method) + len(path) + len(body) + 3)
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the signature headers a client sends with r.
func SignRequest(r *http.Request, secret string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, Sign(secret, Payload(ts, r.Method, r.URL.Path, body)))
}

func isSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
