package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// BearerVerifier checks the Authorization header against a shared token.
// An empty Token disables the check.
type BearerVerifier struct {
	Token string
}

func (v *BearerVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			reject(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *BearerVerifier) verify(r *http.Request) error {
	if v.Token == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(v.Token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
