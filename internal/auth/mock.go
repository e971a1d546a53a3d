package auth

import (
	"context"

	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) VerifyToken(ctx context.Context, token string) (types.Identity, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(types.Identity), args.Error(1)
}

func (m *MockAuthService) GetUser(ctx context.Context, userId, tenantId string) (*types.User, error) {
	args := m.Called(ctx, userId, tenantId)
	if u, ok := args.Get(0).(*types.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}
