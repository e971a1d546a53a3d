package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-finance-realtime/internal/database"
	"github.com/npezzotti/go-finance-realtime/internal/types"
)

var ErrInvalidToken = errors.New("invalid token")

// AuthService resolves bearer tokens to identities. GetUser returns nil for
// a user that does not exist or whose user or tenant is inactive.
type AuthService interface {
	VerifyToken(ctx context.Context, token string) (types.Identity, error)
	GetUser(ctx context.Context, userId, tenantId string) (*types.User, error)
}

// Claims carried by gateway tokens. The subject is the user id.
type Claims struct {
	TenantId string     `json:"tenant_id"`
	Email    string     `json:"email,omitempty"`
	Role     types.Role `json:"role,omitempty"`
	jwt.StandardClaims
}

type Service struct {
	signingKey []byte
	repo       database.IdentityRepository
}

func NewService(signingKey []byte, repo database.IdentityRepository) *Service {
	return &Service{
		signingKey: signingKey,
		repo:       repo,
	}
}

// IssueToken signs an HS256 token for id that expires after exp.
func (s *Service) IssueToken(id types.Identity, exp time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantId: id.TenantId,
		Email:    id.Email,
		Role:     id.Role,
		StandardClaims: jwt.StandardClaims{
			Subject:   id.UserId,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(exp).Unix(),
		},
	})

	return token.SignedString(s.signingKey)
}

// VerifyToken checks the signature and expiry of tokenString. Tokens without
// an expiry, a subject or a tenant are rejected.
func (s *Service) VerifyToken(_ context.Context, tokenString string) (types.Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	switch {
	case claims.ExpiresAt == 0:
		return types.Identity{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	case claims.Subject == "":
		return types.Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	case claims.TenantId == "":
		return types.Identity{}, fmt.Errorf("%w: missing tenant_id claim", ErrInvalidToken)
	}

	return types.Identity{
		UserId:   claims.Subject,
		TenantId: claims.TenantId,
		Email:    claims.Email,
		Role:     claims.Role,
	}, nil
}

func (s *Service) GetUser(ctx context.Context, userId, tenantId string) (*types.User, error) {
	u, err := s.repo.GetUser(ctx, userId, tenantId)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || !u.TenantActive {
		return nil, nil
	}
	return &u, nil
}
