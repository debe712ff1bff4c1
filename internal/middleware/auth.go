package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/logger"
)

const (
	RoleAdmin    = "admin"
	bearerSchema = "Bearer "
	tokenIssuer  = "sorteo"
)

type contextKey string

const adminSubjectKey contextKey = "admin-subject"

// AdminClaims are the claims carried by an administrator bearer token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 token for subject that expires after ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}

	now := time.Now()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// AdminAuth rejects requests without a valid administrator bearer token.
func AdminAuth(secret []byte, log *logger.Logger) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerSchema) {
				unauthorized(w, "Authorization header must carry a Bearer token")
				return
			}

			var claims AdminClaims
			_, err := jwt.ParseWithClaims(strings.TrimPrefix(authHeader, bearerSchema), &claims, keyFunc,
				jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
			if err != nil {
				log.Warningf("Rejected admin token from %s: %v", r.RemoteAddr, err)
				if errors.Is(err, jwt.ErrTokenExpired) {
					unauthorized(w, "Token has expired")
				} else {
					unauthorized(w, "Invalid token")
				}
				return
			}
			if claims.Role != RoleAdmin {
				log.Warningf("Token for %q lacks the admin role", claims.Subject)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": "Administrator role required"})
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubject returns the subject of the token that authorized the request.
func AdminSubject(ctx context.Context) string {
	subject, _ := ctx.Value(adminSubjectKey).(string)
	return subject
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sorteo"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": message})
}
