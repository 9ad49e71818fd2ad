package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// JWTClaims represents admin token claims
type JWTClaims struct {
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthMiddleware requires an HMAC-signed bearer token on mutating requests
type JWTAuthMiddleware struct {
	secret []byte
	issuer string
	logger *logger.Logger
	now    func() time.Time
}

// NewJWTAuthMiddleware creates the middleware. An empty issuer accepts any issuer.
func NewJWTAuthMiddleware(secret, issuer string, log *logger.Logger) (*JWTAuthMiddleware, error) {
	if secret == "" {
		return nil, errors.NewConfigError("jwt", "secret cannot be empty")
	}
	return &JWTAuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger.OrNop(log).MiddlewareLogger("jwt_auth"),
		now:    time.Now,
	}, nil
}

// IssueToken signs a token for subject valid for ttl
func (jm *JWTAuthMiddleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := jm.now()
	claims := JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
}

// requiresAuth reports whether method changes state
func requiresAuth(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// JWTAuth returns the authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requiresAuth(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				jm.writeJWTError(w, r, "Authentication required")
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				jm.writeJWTError(w, r, "Invalid token")
				return
			}

			jm.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT authentication successful")

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// ClaimsFromContext returns the claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*JWTClaims)
	return claims, ok
}

// extractToken extracts the JWT from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// validateToken validates and parses the JWT token
func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token has no expiry")
	}
	if !claims.VerifyExpiresAt(jm.now(), true) {
		return nil, fmt.Errorf("token expired")
	}
	if jm.issuer != "" && !claims.VerifyIssuer(jm.issuer, true) {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

func (jm *JWTAuthMiddleware) writeJWTError(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteError(w, r, errors.NewAuthenticationError(message))
}
