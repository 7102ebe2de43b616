package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AdminMiddleware guards the admin REST surface. It accepts either a bearer
// session token with the admin capability or a valid X-Service-Auth header.
func AdminMiddleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := principalFromRequest(verifier, r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
				return
			}
			if !p.Service && !p.Role.AtLeast(RoleAdmin) {
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

func principalFromRequest(verifier *Verifier, r *http.Request) (*Principal, error) {
	if header := r.Header.Get("X-Service-Auth"); header != "" {
		return verifier.Verify(Credential{Kind: CredentialService, Value: header})
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return verifier.Verify(Credential{Kind: CredentialSession, Value: parts[1]})
	}

	return nil, ErrUnknown
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
