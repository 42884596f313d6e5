package a2a

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stewardhq/steward/internal/config"
)

// authenticator validates the Authorization header against either a static
// bearer token or an HMAC-signed JWT. A zero config disables auth.
type authenticator struct {
	bearerToken string
	jwtSecret   []byte
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	a := &authenticator{bearerToken: cfg.BearerToken}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	return a
}

func (a *authenticator) enabled() bool {
	return a.bearerToken != "" || len(a.jwtSecret) > 0
}

// middleware rejects requests that carry no acceptable credential. Card
// discovery and health stay outside it.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	if !a.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || a.validate(token) != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) validate(token string) error {
	if a.bearerToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return nil
	}
	if len(a.jwtSecret) > 0 {
		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			return a.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err == nil {
			return nil
		}
		return fmt.Errorf("invalid token: %w", err)
	}
	return fmt.Errorf("invalid token")
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
