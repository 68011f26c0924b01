package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const subjectKey contextKey = "subject"

// CookieName is the cookie checked when no Authorization header is sent.
const CookieName = "token"

// ErrNoToken means the request carried no credentials.
var ErrNoToken = errors.New("auth: no token")

// RequireAuth rejects requests without a valid token. onFail writes the
// rejection so the response matches the rest of the API.
func RequireAuth(tokens *TokenService, onFail func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := extractSubject(r, tokens)
			if err != nil {
				onFail(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the token subject stored by RequireAuth.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok && s != ""
}

func extractSubject(r *http.Request, tokens *TokenService) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errors.New("auth: malformed Authorization header")
		}
		return tokens.Validate(strings.TrimSpace(token))
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", ErrNoToken
	}
	return tokens.Validate(cookie.Value)
}
