// Package shield holds the HTTP hardening middleware for the statesyncd
// admin API: response security headers, request body limits and HEAD
// handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.AdminStack(shield.DefaultMaxBody)...)
package shield

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxBody bounds JSON request bodies. A full working snapshot is the
// largest payload the admin API accepts.
const DefaultMaxBody int64 = 8 << 20

// AdminStack returns the middleware applied to every admin route, in order:
// HEAD routed to GET handlers, SecurityHeaders, MaxBody. It must be mounted
// on a chi router, which GetHead consults to find the GET route.
func AdminStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.GetHead,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
}
