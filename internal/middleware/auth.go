package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

type contextKey string

const actorKey contextKey = "actor"

// Claims is the bearer token payload. Subject is the staff or member identity.
type Claims struct {
	Roles    []string `json:"roles"`
	MemberID string   `json:"member_id,omitempty"`
	jwt.RegisteredClaims
}

// RevocationChecker reports tokens that were logged out before expiry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) bool
}

// Authenticator verifies HS256 bearer tokens and puts the caller's Actor on the context.
type Authenticator struct {
	secret  []byte
	revoked RevocationChecker
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// WithRevocation makes the middleware refuse logged-out tokens.
func (a *Authenticator) WithRevocation(checker RevocationChecker) *Authenticator {
	a.revoked = checker
	return a
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			services.SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			services.SendErrorResponse(w, "Invalid authorization header format", http.StatusUnauthorized, nil)
			return
		}

		actor, err := a.ParseActor(parts[1])
		if err == nil && a.revoked != nil && a.revoked.IsRevoked(r.Context(), parts[1]) {
			err = errors.New("token revoked")
		}
		if err != nil {
			log.WithError(err).Debug("rejected bearer token")
			services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// ParseActor validates a token and converts its claims into an Actor.
func (a *Authenticator) ParseActor(tokenString string) (models.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return models.Actor{}, errors.New("token has no subject")
	}

	actor := models.Actor{ID: claims.Subject, Roles: claims.Roles}
	if claims.MemberID != "" {
		id, err := strconv.ParseInt(claims.MemberID, 10, 64)
		if err != nil {
			return models.Actor{}, errors.Wrap(err, "member_id claim")
		}
		member := models.MemberID(id)
		actor.MemberID = &member
	}
	return actor, nil
}

// Sign issues a token for actor. Used by tooling and tests.
func (a *Authenticator) Sign(actor models.Actor, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor.ID
	c := Claims{Roles: actor.Roles, RegisteredClaims: claims}
	if actor.MemberID != nil {
		c.MemberID = actor.MemberID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// BearerToken returns the raw token of an Authorization header, or "".
func BearerToken(r *http.Request) string {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// ActorFromContext returns the authenticated caller, if any.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(models.Actor)
	return actor, ok && actor.ID != ""
}
