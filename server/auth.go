package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"moltd/apierr"
	"moltd/session"
	"moltd/store"
)

// Role levels, ordered. requireRole compares level, so every stronger
// role implies the weaker ones.
type Role int

const (
	RolePublic Role = iota
	RoleReadonly
	RoleAgent
	RoleOperator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleReadonly:
		return "readonly"
	case RoleAgent:
		return "agent"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return "public"
	}
}

// identity is the resolved caller.
type identity struct {
	Role    Role
	AgentID string
	Agent   *store.Agent
}

func (id identity) actor() session.Actor {
	actor := session.Actor{AgentID: id.AgentID}
	switch id.Role {
	case RoleAdmin:
		actor.Role = session.ActorAdmin
	case RoleOperator:
		actor.Role = session.ActorOperator
	default:
		actor.Role = session.ActorAgent
	}
	return actor
}

type identityKey struct{}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func callerIdentity(ctx context.Context) identity {
	if id, ok := ctx.Value(identityKey{}).(identity); ok {
		return id
	}
	return identity{Role: RolePublic}
}

// bearerToken extracts the credential from Authorization or X-API-Key.
func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
		return header
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// resolveIdentity matches the credential against configured keys, the
// agents table and finally the JWT secret. Absent credentials fall
// back to readonly when public read is enabled.
func (s *Server) resolveIdentity(r *http.Request) identity {
	token := bearerToken(r)
	if token == "" {
		if s.cfg.PublicRead {
			return identity{Role: RoleReadonly}
		}
		return identity{Role: RolePublic}
	}
	if matchKey(s.cfg.AdminAPIKeys, token) {
		return identity{Role: RoleAdmin}
	}
	if matchKey(s.cfg.OperatorAPIKeys, token) {
		return identity{Role: RoleOperator}
	}
	if matchKey(s.cfg.ReadonlyAPIKeys, token) {
		return identity{Role: RoleReadonly}
	}
	if agent, err := s.store.GetEnabledAgentByAPIKey(r.Context(), token); err == nil {
		return identity{Role: RoleAgent, AgentID: agent.ID, Agent: agent}
	}
	if id, ok := s.jwtIdentity(token); ok {
		return id
	}
	if s.cfg.PublicRead {
		return identity{Role: RoleReadonly}
	}
	return identity{Role: RolePublic}
}

// jwtIdentity accepts a signed token carrying role and agentId claims.
func (s *Server) jwtIdentity(token string) (identity, bool) {
	secret := strings.TrimSpace(s.cfg.JWTSecret)
	if secret == "" {
		return identity{}, false
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return identity{}, false
	}
	role, _ := claims["role"].(string)
	agentID, _ := claims["agentId"].(string)
	switch role {
	case "admin":
		return identity{Role: RoleAdmin}, true
	case "operator":
		return identity{Role: RoleOperator}, true
	case "agent":
		if agentID == "" {
			return identity{}, false
		}
		return identity{Role: RoleAgent, AgentID: agentID}, true
	case "readonly":
		return identity{Role: RoleReadonly}, true
	}
	return identity{}, false
}

func matchKey(keys []string, token string) bool {
	for _, key := range keys {
		if key != "" && key == token {
			return true
		}
	}
	return false
}

// requireRole resolves the caller and rejects levels below min.
func (s *Server) requireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := s.resolveIdentity(r)
			if id.Role < min {
				writeError(w, apierr.Newf(apierr.CodeUnauthorized, "%s role required", min))
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}
