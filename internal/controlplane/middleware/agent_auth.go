package middleware

import (
	"context"
	"net/http"

	"fleetplane/internal/pairing"
)

// identityKey is the context key for the verified agent identity.
type identityKey struct{}

// CredentialVerifier verifies an agent credential and returns its identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (*pairing.Identity, error)
}

// AgentAuthMiddleware authenticates agent requests with a bearer credential.
// The host identity comes only from the verified credential, never from the
// request path or body.
func AgentAuthMiddleware(v CredentialVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			identity, err := v.Verify(r.Context(), credential)
			if err != nil {
				http.Error(w, "Invalid credential", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithIdentity(r.Context(), identity)))
		})
	}
}

// NewContextWithIdentity returns a context carrying the verified agent
// identity.
func NewContextWithIdentity(ctx context.Context, id *pairing.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the verified agent identity from the context.
func IdentityFromContext(ctx context.Context) (*pairing.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*pairing.Identity)
	return id, ok
}
