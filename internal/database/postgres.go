package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-finance-realtime/internal/types"
)

const getUserQuery = "SELECT u.id, u.tenant_id, u.email, u.role, u.active, t.active, u.created_at, u.updated_at " +
	"FROM users u JOIN tenants t ON t.id = u.tenant_id " +
	"WHERE u.id = $1 AND u.tenant_id = $2 LIMIT 1"

type PgIdentityRepository struct {
	conn *sql.DB
}

func NewPgIdentityRepository(dsn string) (*PgIdentityRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgIdentityRepository{conn: db}, nil
}

// NewPgIdentityRepositoryFromDB wraps an already opened handle.
func NewPgIdentityRepositoryFromDB(db *sql.DB) *PgIdentityRepository {
	return &PgIdentityRepository{conn: db}
}

func (db *PgIdentityRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetUser loads a user together with the active flag of their tenant. It
// returns ErrNotFound when the user does not belong to tenantId.
func (db *PgIdentityRepository) GetUser(ctx context.Context, userId, tenantId string) (types.User, error) {
	row := db.conn.QueryRowContext(ctx, getUserQuery, userId, tenantId)

	var (
		u    types.User
		role string
	)
	err := row.Scan(
		&u.Id,
		&u.TenantId,
		&u.Email,
		&role,
		&u.Active,
		&u.TenantActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = types.Role(role)

	return u, nil
}

func (db *PgIdentityRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
