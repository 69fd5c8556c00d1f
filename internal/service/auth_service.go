package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// Common auth errors.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrSessionAlreadyActive = errors.New("another login is already active, please contact a supervisor to reset")
	ErrLoginInvalidated     = errors.New("login invalidated")
	ErrSupervisorNotFound   = errors.New("supervisor not found")
)

// TokenType distinguishes candidate vs supervisor tokens.
type TokenType string

const (
	TokenTypeCandidate  TokenType = "candidate"
	TokenTypeSupervisor TokenType = "supervisor"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
}

// CandidateStore reads candidate accounts.
type CandidateStore interface {
	GetByID(ctx context.Context, id int) (*model.Candidate, error)
	GetByIdentifier(ctx context.Context, identifier string) (*model.Candidate, error)
}

// SupervisorStore reads supervisor accounts.
type SupervisorStore interface {
	GetByID(ctx context.Context, id int) (*model.Supervisor, error)
	GetByEmail(ctx context.Context, email string) (*model.Supervisor, error)
}

// AuthService handles authentication, JWT, and the single-device login of candidates.
type AuthService struct {
	cfg         *config.Config
	rdb         *redis.Client
	candidates  CandidateStore
	supervisors SupervisorStore
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client, candidates CandidateStore, supervisors SupervisorStore) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb, candidates: candidates, supervisors: supervisors}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// LoginCandidate verifies credentials and issues a candidate token. Only one
// login per candidate may be active; a second one is rejected until the first
// expires or a supervisor resets it.
func (s *AuthService) LoginCandidate(ctx context.Context, req model.CandidateLoginRequest) (*model.CandidateLoginResponse, error) {
	c, err := s.candidates.GetByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.CheckPassword(c.PasswordHash, req.Password); err != nil {
		return nil, err
	}

	token, err := s.GenerateCandidateToken(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &model.CandidateLoginResponse{Token: token, Candidate: *c}, nil
}

// LoginSupervisor verifies credentials and issues a supervisor token.
func (s *AuthService) LoginSupervisor(ctx context.Context, req model.SupervisorLoginRequest) (*model.SupervisorLoginResponse, error) {
	sup, err := s.supervisors.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.CheckPassword(sup.PasswordHash, req.Password); err != nil {
		return nil, err
	}

	token, err := s.sign(TokenTypeSupervisor, sup.ID, uuid.New().String())
	if err != nil {
		return nil, err
	}
	return &model.SupervisorLoginResponse{Token: token, Supervisor: *sup}, nil
}

// GenerateCandidateToken creates a JWT for a candidate and registers the login in Redis.
func (s *AuthService) GenerateCandidateToken(ctx context.Context, candidateID int) (string, error) {
	key := config.CacheKey.CandidateLoginKey(candidateID)
	jti := uuid.New().String()

	ok, err := s.rdb.SetNX(ctx, key, jti, s.cfg.JWTExpiry).Result()
	if err != nil {
		return "", fmt.Errorf("store login: %w", err)
	}
	if !ok {
		return "", ErrSessionAlreadyActive
	}

	token, err := s.sign(TokenTypeCandidate, candidateID, jti)
	if err != nil {
		s.rdb.Del(ctx, key)
		return "", err
	}
	return token, nil
}

func (s *AuthService) sign(typ TokenType, userID int, jti string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: typ,
		UserID:    userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ValidateCandidateLogin checks that the token's JTI is the candidate's active login.
func (s *AuthService) ValidateCandidateLogin(ctx context.Context, candidateID int, jti string) error {
	stored, err := s.rdb.Get(ctx, config.CacheKey.CandidateLoginKey(candidateID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrLoginInvalidated
		}
		return fmt.Errorf("check login: %w", err)
	}
	if stored != jti {
		return ErrLoginInvalidated
	}
	return nil
}

// ResetCandidateLogin removes a candidate's active login so they can sign in again.
func (s *AuthService) ResetCandidateLogin(ctx context.Context, candidateID int) error {
	return s.rdb.Del(ctx, config.CacheKey.CandidateLoginKey(candidateID)).Err()
}

// LogoutCandidate ends the login the token belongs to.
func (s *AuthService) LogoutCandidate(ctx context.Context, candidateID int, jti string) error {
	if err := s.ValidateCandidateLogin(ctx, candidateID, jti); err != nil {
		return err
	}
	return s.ResetCandidateLogin(ctx, candidateID)
}

// CandidateProfile returns the account of an authenticated candidate.
func (s *AuthService) CandidateProfile(ctx context.Context, id int) (*model.Candidate, error) {
	c, err := s.candidates.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCandidateNotFound
	}
	return c, err
}

// SupervisorProfile returns the account of an authenticated supervisor.
func (s *AuthService) SupervisorProfile(ctx context.Context, id int) (*model.Supervisor, error) {
	sup, err := s.supervisors.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSupervisorNotFound
	}
	return sup, err
}
