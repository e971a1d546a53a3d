// Package auth admits sockets: it turns a handshake into a tenant-scoped
// identity and enforces tenant and origin checks for the connection's life.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/go-finance-realtime/internal/types"
	"go.uber.org/zap"
)

var ErrOriginNotAllowed = errors.New("origin not allowed")

const (
	SecurityEventAuthFailed      = "authentication_failed"
	SecurityEventTenantViolation = "tenant_violation"
	SecurityEventOriginRejected  = "origin_rejected"
)

type Gate struct {
	svc            AuthService
	allowedOrigins []string
	logger         *zap.Logger
}

func NewGate(svc AuthService, allowedOrigins []string, logger *zap.Logger) *Gate {
	return &Gate{
		svc:            svc,
		allowedOrigins: allowedOrigins,
		logger:         logger.Named("auth"),
	}
}

// Authenticate resolves the handshake to an identity. Every failure returns
// an error wrapping types.ErrAuthenticationFailed and a zero identity.
func (g *Gate) Authenticate(ctx context.Context, h Handshake) (types.Identity, error) {
	id, err := g.authenticate(ctx, h)
	if err != nil {
		g.logger.Warn("socket authentication failed",
			zap.String("security_event", SecurityEventAuthFailed),
			zap.String("origin", h.Origin),
			zap.Error(err),
		)
		return types.Identity{}, fmt.Errorf("%w: %w", types.ErrAuthenticationFailed, err)
	}
	return id, nil
}

func (g *Gate) authenticate(ctx context.Context, h Handshake) (types.Identity, error) {
	token := h.Token()
	if token == "" {
		return types.Identity{}, errors.New("no token presented")
	}

	claimed, err := g.svc.VerifyToken(ctx, token)
	if err != nil {
		return types.Identity{}, err
	}
	if !validId(claimed.TenantId) || !validId(claimed.UserId) {
		return types.Identity{}, fmt.Errorf("identifier contains %q", idSeparator)
	}

	user, err := g.svc.GetUser(ctx, claimed.UserId, claimed.TenantId)
	if err != nil {
		return types.Identity{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return types.Identity{}, errors.New("user or tenant not active")
	}

	// the stored role wins over whatever the token claims
	return user.Identity(), nil
}

// idSeparator delimits room names and presence keys, so it may not appear
// inside a tenant or user id.
const idSeparator = ":"

func validId(id string) bool {
	return id != "" && !strings.Contains(id, idSeparator)
}

// ValidateTenantAccess denies any action on a tenant other than the
// connection's own. Denials are logged as security events.
func (g *Gate) ValidateTenantAccess(conn types.Connection, requiredTenantId string) error {
	if conn.Identity.TenantId != "" && conn.Identity.TenantId == requiredTenantId {
		return nil
	}

	g.logger.Warn("cross-tenant access denied",
		zap.String("security_event", SecurityEventTenantViolation),
		zap.String("socket_id", conn.SocketId),
		zap.String("user_id", conn.Identity.UserId),
		zap.String("tenant_id", conn.Identity.TenantId),
		zap.String("required_tenant_id", requiredTenantId),
	)
	return fmt.Errorf("%w: tenant %q requested by user of tenant %q",
		types.ErrTenantViolation, requiredTenantId, conn.Identity.TenantId)
}

// ValidateOrigin rejects a handshake whose Origin header is missing or not on
// the allowlist. A "*" entry admits any non-empty origin.
func (g *Gate) ValidateOrigin(h Handshake) error {
	if h.Origin != "" && (slices.Contains(g.allowedOrigins, h.Origin) || slices.Contains(g.allowedOrigins, "*")) {
		return nil
	}

	g.logger.Warn("handshake origin rejected",
		zap.String("security_event", SecurityEventOriginRejected),
		zap.String("origin", h.Origin),
	)
	if h.Origin == "" {
		return fmt.Errorf("%w: missing origin", ErrOriginNotAllowed)
	}
	return fmt.Errorf("%w: %q", ErrOriginNotAllowed, h.Origin)
}
