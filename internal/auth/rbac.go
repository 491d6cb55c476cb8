package auth

import (
	"encoding/json"
	"net/http"
)

// Roles are ranked: admin can do anything operator can, operator anything
// viewer can.
var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Satisfies reports whether role grants at least the access of min.
// Unknown roles satisfy nothing.
func Satisfies(role, min string) bool {
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	return have >= roleRank[min]
}

// RequireRole admits requests whose operator role ranks at or above min.
// It reads the role JWTAuth stored in the context.
func RequireRole(min string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			switch {
			case role == "":
				deny(w, http.StatusUnauthorized, "operator token required")
			case !Satisfies(role, min):
				deny(w, http.StatusForbidden, "role "+role+" cannot perform this action")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
