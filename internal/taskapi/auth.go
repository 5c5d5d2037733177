package taskapi

import (
	"net/http"
	"strings"
)

// bearerAuth returns a middleware-constructor that checks the request's
// `Authorization: Bearer <token>` header against tokens, a backend-scoped
// token table shared by both the Task API and the RAP endpoints (spec.md
// §6: 401 on a missing/unrecognized token, 403 if the token's backend
// scope does not match the `{backend}` path segment it's presented
// against).
func bearerAuth(tokens map[string]string) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			backend, found := tokenBackend(tokens, token)
			if !found {
				http.Error(w, "unrecognized token", http.StatusUnauthorized)
				return
			}

			if path := r.PathValue("backend"); path != "" && path != backend {
				http.Error(w, "token not valid for this backend", http.StatusForbidden)
				return
			}

			next(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func tokenBackend(tokens map[string]string, token string) (string, bool) {
	for backend, t := range tokens {
		if t == token {
			return backend, true
		}
	}
	return "", false
}
