// Package middleware contains HTTP middleware for the control plane.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"fleetplane/internal/auth"
	"fleetplane/internal/store"
)

// orgKey is the context key for the authenticated org.
type orgKey struct{}

// AuthMiddleware authenticates operator requests with an org API key.
// The key is hashed and looked up; only the hash is ever stored. When the
// route carries an {orgID} path segment it must match the authenticated org,
// so one org can never address another's resources.
func AuthMiddleware(s store.OrgStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			org, err := s.GetOrgByAPIKeyHash(r.Context(), auth.HashKey(apiKey))
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			if pathOrg := r.PathValue("orgID"); pathOrg != "" && pathOrg != org.ID.String() {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithOrg(r.Context(), org)))
		})
	}
}

// NewContextWithOrg returns a context carrying the authenticated org.
func NewContextWithOrg(ctx context.Context, org *store.Org) context.Context {
	return context.WithValue(ctx, orgKey{}, org)
}

// OrgFromContext extracts the authenticated org from the context.
func OrgFromContext(ctx context.Context) (*store.Org, bool) {
	org, ok := ctx.Value(orgKey{}).(*store.Org)
	return org, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
