package web

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer  = "hive-vision"
	streamScope  = "stream"
	bearerPrefix = "Bearer "
)

// Auth guards the control endpoints with a static bearer token and the
// stream endpoints with either that token or a short-lived HS256 JWT. An
// empty secret disables both checks.
type Auth struct {
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// StreamClaims are carried by stream tokens
type StreamClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// NewAuth creates an Auth. ttl defaults to one hour.
func NewAuth(secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Auth{secret: secret, ttl: ttl, now: time.Now}
}

// Enabled reports whether a secret is configured
func (a *Auth) Enabled() bool {
	return a.secret != ""
}

// RequireToken accepts only the configured bearer token
func (a *Auth) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !a.matchesSecret(token) {
			writeErrorResponse(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireStream accepts the bearer token or a stream JWT, from the
// Authorization header or the token query parameter. Browsers cannot set
// headers on <img> or WebSocket requests, hence the query form.
func (a *Auth) RequireStream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !a.matchesSecret(token) {
			if err := a.VerifyStreamToken(token); err != nil {
				writeErrorResponse(w, "Invalid token", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) matchesSecret(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// GenerateStreamToken signs a stream token valid for the configured ttl
func (a *Auth) GenerateStreamToken() (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)

	claims := StreamClaims{
		Scope: streamScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(a.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return ss, expires, nil
}

// VerifyStreamToken checks signature, issuer, scope and expiry
func (a *Auth) VerifyStreamToken(tokenString string) error {
	claims := &StreamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("token has no expiry")
	}
	if claims.Scope != streamScope {
		return fmt.Errorf("token scope %q not allowed", claims.Scope)
	}

	return nil
}
