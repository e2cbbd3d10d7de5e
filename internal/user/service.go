package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Service struct {
	repo       *Repository
	jwtSecret  string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	// TokenType distinguishes access from refresh tokens so a refresh
	// token can never authenticate a request.
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		jwtSecret:  secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPwd),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	u.Password = ""
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(u.ID, u.Username)
	if err != nil {
		return nil, err
	}
	u.Password = ""
	return &LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         *u,
	}, nil
}

// Refresh validates a refresh token and rotates the pair.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil || claims.TokenType != "refresh" {
		return nil, ErrInvalidToken
	}
	return s.issuePair(claims.ID, claims.Username)
}

// ValidateToken checks an access token and returns the subject's id and
// username.
func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims, err := s.parse(tokenString)
	if err != nil || claims.TokenType != "access" {
		return 0, "", ErrInvalidToken
	}
	return claims.ID, claims.Username, nil
}

func (s *Service) Profile(ctx context.Context, id int) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id int, patch ProfilePatch) (*User, error) {
	return s.repo.UpdateProfile(ctx, id, patch)
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

func (s *Service) issuePair(id int, username string) (*TokenPair, error) {
	access, err := s.sign(id, username, "access", s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(id, username, "refresh", s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) sign(id int, username, typ string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:        id,
		Username:  username,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "marketchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
