// Package edge is the gateway tier. It forwards bearer tokens to the
// services and never decides access itself; every service authorizes its own
// operations.
package edge

import (
	"net/http"

	"retailops.org/internal/auth"
)

const authorizationHeader = "Authorization"

// Relay is the outermost gateway middleware. A well-formed bearer header is
// recorded on the request context and rewritten in canonical form; anything
// else passes through untouched. Requests are never rejected here.
func Relay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get(authorizationHeader))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		out := r.Clone(auth.ContextWithToken(r.Context(), token))
		out.Header.Set(authorizationHeader, "Bearer "+token)
		next.ServeHTTP(w, out)
	})
}
