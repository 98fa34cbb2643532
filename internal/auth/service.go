package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/console/internal/ids"
	"qazna.org/console/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 7
	defaultIssuer     = "qazna-console"
)

// Service is the token authority behind /auth/*: it verifies passwords, issues
// HS256 access tokens and opaque refresh tokens, and resolves bearer tokens to principals.
type Service struct {
	dir    Directory
	tokens RefreshTokenStore
	now    func() time.Time
	log    *zap.Logger

	signer     signer
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret. It is required.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return errors.New("auth: token secret is empty")
		}
		s.signer.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.signer.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(dir Directory, tokens RefreshTokenStore, opts ...ServiceOption) (*Service, error) {
	if dir == nil || tokens == nil {
		return nil, errors.New("auth: directory and refresh token store are required")
	}
	svc := &Service{
		dir:        dir,
		tokens:     tokens,
		now:        time.Now,
		log:        obs.Named("auth"),
		signer:     signer{issuer: defaultIssuer},
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.signer.secret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	return svc, nil
}

// TokenPair represents access and refresh tokens along with their expirations.
// RefreshToken is empty when a refresh only renewed the access token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ExpiresIn is the remaining access token lifetime in whole seconds.
func (p TokenPair) ExpiresIn(now time.Time) int64 {
	d := p.AccessExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Now exposes the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Login verifies username and password and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, Principal{}, &AuthenticationError{Reason: ErrInvalidCredentials}
	}
	user, err := s.dir.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, &AuthenticationError{Reason: ErrInvalidCredentials}
		}
		return TokenPair{}, Principal{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, &AuthenticationError{Reason: ErrInvalidCredentials}
	}
	if !user.Active() {
		return TokenPair{}, Principal{}, &AuthenticationError{Reason: ErrAccountInactive}
	}

	now := s.now()
	access, accessExp, err := s.signer.sign(user.Principal, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	refresh, rec, err := s.generateRefreshToken(user.ID, now)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.tokens.CreateRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("store refresh token: %w", err)
	}
	s.log.Info("login", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, user.Principal, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh token itself is kept.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	record, err := s.tokens.FindRefreshToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("%w: unknown refresh token", ErrSessionExpired)
		}
		return TokenPair{}, err
	}
	now := s.now()
	if record.Revoked || !now.Before(record.ExpiresAt) {
		return TokenPair{}, fmt.Errorf("%w: refresh token revoked or expired", ErrSessionExpired)
	}
	if !secureCompareHash(record.TokenHash, secret) {
		_ = s.tokens.RevokeRefreshToken(ctx, record.ID)
		return TokenPair{}, fmt.Errorf("%w: refresh token mismatch", ErrSessionExpired)
	}
	user, err := s.dir.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, fmt.Errorf("%w: account removed", ErrSessionExpired)
		}
		return TokenPair{}, err
	}
	if !user.Active() {
		_ = s.tokens.RevokeUserRefreshTokens(ctx, user.ID)
		return TokenPair{}, fmt.Errorf("%w: %v", ErrSessionExpired, ErrAccountInactive)
	}
	access, accessExp, err := s.signer.sign(user.Principal, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Revoke invalidates every refresh token of the access token's owner.
// Expired access tokens are accepted so a late logout still takes effect.
func (s *Service) Revoke(ctx context.Context, accessToken string) error {
	claims, err := s.signer.parse(accessToken, s.now(), true)
	if err != nil {
		return err
	}
	userID, _ := claims.UserID()
	if err := s.tokens.RevokeUserRefreshTokens(ctx, userID); err != nil {
		return err
	}
	s.log.Info("logout", zap.Int64("user_id", userID))
	return nil
}

// Authenticate validates an access token and returns the current principal.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.signer.parse(token, s.now(), false)
	if err != nil {
		return Principal{}, err
	}
	userID, _ := claims.UserID()
	user, err := s.dir.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if !user.Active() {
		return Principal{}, ErrInvalidToken
	}
	return user.Principal, nil
}

func (s *Service) generateRefreshToken(userID int64, now time.Time) (string, RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", RefreshToken{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := RefreshToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(actual) != len(expectedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
