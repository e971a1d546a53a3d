package database

import (
	"context"

	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockIdentityRepository struct {
	mock.Mock
}

func (m *MockIdentityRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockIdentityRepository) GetUser(ctx context.Context, userId, tenantId string) (types.User, error) {
	args := m.Called(ctx, userId, tenantId)
	return args.Get(0).(types.User), args.Error(1)
}
