package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/ruralpay/cooperative/internal/models"
)

// ErrInvalidCredentials is returned for any failed login so callers cannot probe usernames.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenSigner issues bearer tokens for an actor.
type TokenSigner interface {
	Sign(actor models.Actor, claims jwt.RegisteredClaims) (string, error)
}

// Argon2Params tunes password hashing.
type Argon2Params struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength int
}

// LoginRequest is a staff sign-in.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=6"`
}

// AuthResponse carries the issued token and the identity it represents.
type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Actor     models.Actor `json:"actor"`
}

// AuthService signs staff in against staff_users and revokes tokens on logout.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	signer    TokenSigner
	ttl       time.Duration
	params    Argon2Params
	validator *ValidationHelper
	now       func() time.Time
	logger    *log.Entry
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, signer TokenSigner, ttl time.Duration, params Argon2Params) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		db:        db,
		redis:     redisClient,
		signer:    signer,
		ttl:       ttl,
		params:    params,
		validator: NewValidationHelper(),
		now:       time.Now,
		logger:    log.WithField("component", "auth"),
	}
}

// Login verifies the password and issues a token carrying the staff member's roles.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}

	var (
		actor          models.Actor
		hashedPassword string
		memberID       sql.NullInt64
		active         bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, roles, member_id, active
		FROM staff_users WHERE username = $1`, strings.TrimSpace(req.Username),
	).Scan(&actor.ID, &hashedPassword, pq.Array(&actor.Roles), &memberID, &active)
	if isNoRows(err) {
		s.logger.WithField("username", req.Username).Warn("login for unknown user")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, storeErr("find staff user", err)
	}
	if !active || !s.verifyPassword(req.Password, hashedPassword) {
		s.logger.WithField("username", actor.ID).Warn("login rejected")
		return nil, ErrInvalidCredentials
	}
	if memberID.Valid {
		id := models.MemberID(memberID.Int64)
		actor.MemberID = &id
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	token, err := s.signer.Sign(actor, jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	if err != nil {
		return nil, errors.Wrap(err, "sign token")
	}

	s.logger.WithField("username", actor.ID).Info("staff signed in")
	return &AuthResponse{Token: token, ExpiresAt: expires, Actor: actor}, nil
}

// Logout revokes token for the remainder of its lifetime.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if s.redis == nil || token == "" {
		return nil
	}
	if err := s.redis.Set(ctx, revocationKey(token), "1", s.ttl).Err(); err != nil {
		return errors.Wrap(err, "revoke token")
	}
	return nil
}

// IsRevoked reports whether token was logged out. Redis failures fail open and are logged.
func (s *AuthService) IsRevoked(ctx context.Context, token string) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, revocationKey(token)).Result()
	if err != nil {
		s.logger.WithError(err).Warn("revocation check failed")
		return false
	}
	return n > 0
}

func revocationKey(token string) string {
	return "blacklist:" + hashToken(token)
}

// HashPassword returns "salt$hash", both base64, for storage in staff_users.password_hash.
func (s *AuthService) HashPassword(password string) (string, error) {
	salt := make([]byte, s.params.SaltLength)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.Memory, s.params.Threads, s.params.KeyLength)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func (s *AuthService) verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.Memory, s.params.Threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
