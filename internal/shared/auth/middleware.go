package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	apperrors "github.com/telesalud/realtime-assistant/internal/shared/errors"
)

type contextKey string

const (
	ProviderContextKey contextKey = "provider"
)

// Provider is the authenticated clinician behind a connection.
type Provider struct {
	ID    string   `json:"sub"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Claims extends JWT claims with assistant-specific data
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. Browsers cannot set
// headers on a WebSocket handshake, so the token may also arrive in the
// access_token query parameter.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := extractToken(r)
			if err != nil {
				writeError(w, apperrors.Unauthorized(err.Error()))
				return
			}

			provider, err := ParseToken(cfg.JWTSecret, tokenString)
			if err != nil {
				writeError(w, apperrors.Unauthorized("invalid token"))
				return
			}

			ctx := context.WithValue(r.Context(), ProviderContextKey, provider)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseToken validates an HMAC-signed token and returns its provider.
func ParseToken(secret, tokenString string) (*Provider, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &Provider{
		ID:    claims.Subject,
		Name:  claims.Name,
		Roles: claims.Roles,
	}, nil
}

func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}

// GetProvider extracts the provider from request context
func GetProvider(ctx context.Context) *Provider {
	provider, ok := ctx.Value(ProviderContextKey).(*Provider)
	if !ok {
		return nil
	}
	return provider
}

// RequireRoles admits providers holding any of roles. It is a pass-through
// when auth is disabled or no roles are given.
func RequireRoles(cfg config.AuthConfig, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || len(roles) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := GetProvider(r.Context())
			if provider == nil {
				writeError(w, apperrors.Unauthorized("authentication required"))
				return
			}
			for _, role := range roles {
				if provider.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, apperrors.Forbidden("insufficient permissions"))
		})
	}
}

// HasRole checks if provider has a specific role
func (p *Provider) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Message,
		"code":  err.Code,
	})
}
