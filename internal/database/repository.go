package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-finance-realtime/internal/types"
)

var ErrNotFound = errors.New("record not found")

// IdentityRepository is the read-model the auth service resolves tokens
// against. The gateway never writes to it.
type IdentityRepository interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userId, tenantId string) (types.User, error)
}
