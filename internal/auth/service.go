package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
)

// Token is the result of a successful login.
type Token struct {
	AccessToken string
	Username    string
	ExpiresAt   time.Time
}

// AuthService is the entry point for all authentication operations. The API
// layer depends on AuthService, never on JWTManager directly.
type AuthService struct {
	users      repositories.UserRepository
	jwtManager *JWTManager
}

// NewAuthService creates an AuthService.
func NewAuthService(users repositories.UserRepository, jwtManager *JWTManager) *AuthService {
	return &AuthService{
		users:      users,
		jwtManager: jwtManager,
	}
}

// Login validates username/password and returns a signed access token.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Token, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Unknown usernames look exactly like wrong passwords.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user by username: %w", err)
	}

	if !verifyPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	return s.IssueToken(user)
}

// IssueToken signs an access token for user without checking a password.
// Used by the login flow and by the development token command.
func (s *AuthService) IssueToken(user *db.User) (*Token, error) {
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	signed, err := s.jwtManager.GenerateAccessToken(user.ID, user.Username, user.DisplayName)
	if err != nil {
		return nil, err
	}

	return &Token{
		AccessToken: signed,
		Username:    user.Username,
		ExpiresAt:   time.Now().Add(s.jwtManager.ttl),
	}, nil
}

// ValidateAccessToken parses and verifies a JWT access token.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}
