package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim required on operator endpoints.
const RoleAdmin = "admin"

// AdminClaims is the token payload accepted by RequireAdmin.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type subjectKey struct{}

// SignAdminToken issues an HS256 admin token for subject valid for ttl. Every
// token carries an expiry; a non-positive ttl yields one that is already expired.
func SignAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty signing secret")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken verifies token and returns its claims. Tokens without an
// exp claim are rejected.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// RequireAdmin guards operator routes with a bearer token carrying
// role=admin. With an empty secret access is open only when allowInsecure is
// set, which the server does in development.
func RequireAdmin(secret string, allowInsecure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				if allowInsecure {
					next.ServeHTTP(w, r)
					return
				}
				authError(w, http.StatusForbidden, "admin_disabled")
				return
			}
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				authError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			claims, err := ParseAdminToken(secret, strings.TrimSpace(token))
			if err != nil {
				authError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			if claims.Role != RoleAdmin {
				authError(w, http.StatusForbidden, "forbidden")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated admin subject, if any.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey{}).(string); ok {
		return v
	}
	return ""
}

func authError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
