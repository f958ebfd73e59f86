package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	// MaxSignedBody is the largest claim body a signed request may carry.
	MaxSignedBody = 64 << 10
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadTimestamp     = errors.New("missing or malformed request timestamp")
	ErrStaleTimestamp   = errors.New("request timestamp outside the allowed window")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrReplayedRequest  = errors.New("request signature already used")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Verifier authenticates claim submissions signed by a trusted front end.
//
// The signature is hex(HMAC-SHA256(secret, canonical)) where canonical is
//
//	METHOD "\n" PATH "\n" TIMESTAMP "\n" hex(SHA-256(body))
//
// so a signature minted for one endpoint cannot be replayed against another. Each
// signature is accepted once within the MaxSkew window. An empty Secret disables the check.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			rejectWith(w, status, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if sig == "" {
		return ErrMissingSignature
	}
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	now := v.now()
	issued := time.Unix(unix, 0)
	if now.Sub(issued) > v.MaxSkew || issued.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	want := Sign(v.Secret, r.Method, r.URL.Path, ts, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return v.remember(sig, issued.Add(v.MaxSkew), now)
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// remember records sig until it can no longer pass the timestamp check.
func (v *Verifier) remember(sig string, expires, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen == nil {
		v.seen = make(map[string]time.Time)
	}
	for s, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, s)
		}
	}
	if _, ok := v.seen[sig]; ok {
		return ErrReplayedRequest
	}
	v.seen[sig] = expires
	return nil
}

// Sign returns the signature a client sends for a request.
func Sign(secret, method, path, timestamp string, body []byte) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n"))
	mac.Write([]byte(hex.EncodeToString(digest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// bufferBody reads the body so the handler can decode it after verification.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxSignedBody {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
