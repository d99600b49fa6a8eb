package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"jobId":"j-1"}`
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	body := `{}`
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now.Add(-2*time.Minute))

	if err := v.verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestMiddleware_CustomHeaders(t *testing.T) {
	body := `{"a":1}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:          "secret",
		MaxSkew:         time.Minute,
		Now:             func() time.Time { return now },
		SignatureHeader: "X-Partner-Signature",
		TimestampHeader: "X-Partner-Timestamp",
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set("X-Partner-Timestamp", ts)
	req.Header.Set("X-Partner-Signature", strings.ToUpper(Sign("secret", ts, []byte(body))))

	if err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMiddleware_EmptySecretDisablesVerification(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	if err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
