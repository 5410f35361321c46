package handlers

import (
	"context"
	"net/http"

	"github.com/shaalot/apiserver/types"
)

// ProfileGetter loads the stored profile of a uid.
type ProfileGetter interface {
	Get(ctx context.Context, uid string) (types.UserProfile, error)
}

// RequireRole admits callers whose stored role is at least minimum and who
// are not blocked. It must run after RequireAuth.
func RequireRole(profiles ProfileGetter, minimum types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			profile, err := profiles.Get(r.Context(), identity.UID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if profile.IsBlocked || !profile.Role.AtLeast(minimum) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
