package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/store"
)

const defaultTokenTTL = 12 * time.Hour

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *log.Logger
}

// Principal is the caller named by a verified token.
type Principal struct {
	UserID string
	Role   domain.Role
	Source string
}

type sessionKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return defaultTokenTTL
}

func withSession(ctx context.Context, s auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionFromContext returns the signed-in session, or an anonymous one.
func sessionFromContext(ctx context.Context) auth.Session {
	s, _ := ctx.Value(sessionKey{}).(auth.Session)
	return s
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func signToken(secret string, u domain.User, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	expires := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: string(u.Role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func authenticateJWT(token string, secret string, now func() time.Time) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		UserID: claims.Subject,
		Role:   domain.Role(claims.Role),
		Source: "jwt",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func publicPaths(basePath string) map[string]bool {
	out := map[string]bool{}
	for _, p := range []string{"health", "auth/login", "auth/signup", "openapi.json"} {
		out[path.Join(basePath, p)] = true
	}
	return out
}

func unauthorized(code, message string) huma.StatusError {
	return newAPIError(http.StatusUnauthorized, code, message, map[string]any{"redirect": auth.LoginView})
}

// newAuthMiddleware verifies the bearer token and resolves it to a live user
// of the store. The role comes from the store, not the token.
func newAuthMiddleware(basePath string, cfg AuthConfig, st *store.Store, now func() time.Time) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, unauthorized("unauthorized", "authentication required"))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, unauthorized("invalid_credentials", "invalid credentials"))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret, now)
			if err != nil {
				respondStatusError(w, unauthorized("invalid_credentials", "invalid credentials"))
				return
			}
			u, err := st.User(principal.UserID)
			if err != nil || !u.IsActive {
				cfg.logger().Printf("auth: token for unknown or inactive user %s rejected", principal.UserID)
				respondStatusError(w, unauthorized("invalid_credentials", "invalid credentials"))
				return
			}
			if principal.Role != "" && principal.Role != u.Role {
				cfg.logger().Printf("auth: token role %s for user %s is stale, using %s", principal.Role, u.ID, u.Role)
			}
			var sess auth.Session
			sess.Login(u)
			ctx := withSession(req.Context(), sess)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// requireView admits the session into a role-scoped view. A denied caller
// gets 401 pointing at the login view or 403 pointing at the equivalent view
// of their own role.
func requireView(ctx context.Context, gate auth.Gate, view string) (auth.Session, huma.StatusError) {
	s := sessionFromContext(ctx)
	d := gate.ResolveView(s, view)
	if d.Allowed {
		return s, nil
	}
	if d.Redirect == auth.LoginView {
		return s, unauthorized("unauthorized", "authentication required")
	}
	required := auth.RequiredRole(view)
	return s, newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("role %s required", required), map[string]any{
		"required_role": string(required),
		"redirect":      d.Redirect,
	})
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
