package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/rank-engine/engine"
)

// ErrInvalidToken is returned for missing, malformed, expired or wrongly
// signed bearer tokens.
var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const actorKey contextKey = "rankd.actor"

// Claims are the bearer token claims. Subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator verifies HS256 bearer tokens and decides which roles act
// as operators.
type Authenticator struct {
	secret        []byte
	operatorRoles map[string]bool
}

// NewAuthenticator returns nil when secret is empty; a nil Authenticator
// treats every caller as the "dev" operator.
func NewAuthenticator(secret string, operatorRoles []string) *Authenticator {
	if secret == "" {
		return nil
	}
	roles := make(map[string]bool, len(operatorRoles))
	for _, r := range operatorRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles[r] = true
		}
	}
	return &Authenticator{secret: []byte(secret), operatorRoles: roles}
}

// IssueToken signs a token for subject with role, valid for ttl.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and maps it to an engine.Actor.
func (a *Authenticator) Verify(token string) (engine.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		return engine.Actor{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return engine.Actor{}, ErrInvalidToken
	}
	return engine.Actor{ID: claims.Subject, IsOperator: a.operatorRoles[claims.Role]}, nil
}

// Middleware attaches the caller's Actor to the request context and
// rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), engine.Actor{ID: "dev", IsOperator: true})))
			return
		}

		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid bearer token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func withActor(ctx context.Context, a engine.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) engine.Actor {
	a, _ := ctx.Value(actorKey).(engine.Actor)
	return a
}
