// Package agentsession is the agent-facing HTTP API: registration,
// heartbeat, task polling, and result/progress reporting — the surface
// an agent binary talks to over X-Agent-API-Key authentication, grounded
// on original_source/api-server/routes/agent_router.py.
package agentsession

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quickform/orchestrator/pkg/store"
)

type contextKey int

const (
	agentContextKey contextKey = iota
	userContextKey
)

// GenerateAPIKey returns a URL-safe random API key, matching the
// original's secrets.token_urlsafe(32) (32 random bytes, base64url).
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("agentsession: generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// requireAPIKey validates the X-Agent-API-Key header against the store
// and injects the authenticated agent into the request context (original
// validate_api_key dependency: missing header -> 401, unknown key ->
// 401).
func (s *Service) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key. Include X-Agent-API-Key header.")
			return
		}

		agent, err := s.store.GetAgentByAPIKey(r.Context(), key)
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid API key.")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next(w, r.WithContext(ctx))
	}
}

func authenticatedAgent(r *http.Request) (store.Agent, bool) {
	a, ok := r.Context().Value(agentContextKey).(store.Agent)
	return a, ok
}

// userClaims is the shape of the bearer token the user-facing login
// surface issues. That surface (signup, password auth, session issuance)
// is an external collaborator referenced only at this interface (spec.md
// §1) — this package only verifies the token it hands back.
type userClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// requireUserAuth validates an `Authorization: Bearer <token>` HS256 JWT
// signed with the shared jwtSecret and injects the authenticated user id
// into the request context. Unlike requireAPIKey, this authenticates the
// human account rather than an agent process — used for endpoints where
// gating on an agent's own API key would be circular, e.g. rotating that
// very key (spec.md §6, §8).
func (s *Service) requireUserAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token. Include Authorization: Bearer <token>.")
			return
		}

		claims := &userClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || claims.UserID == "" {
			writeError(w, http.StatusUnauthorized, "invalid or expired token.")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

func authenticatedUser(r *http.Request) (string, bool) {
	u, ok := r.Context().Value(userContextKey).(string)
	return u, ok
}
