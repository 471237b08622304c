package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
)

type contextKey string

const (
	ctxUserID contextKey = "user_id"
	ctxRole   contextKey = "actor_role"
)

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	v, ok := ctx.Value(ctxUserID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}

func RoleFromContext(ctx context.Context) enums.Role {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(enums.Role); ok {
		return v
	}
	return ""
}

// ActorFromContext returns the authenticated user and role, or an
// UNAUTHORIZED error when Auth did not run.
func ActorFromContext(ctx context.Context) (uuid.UUID, enums.Role, error) {
	userID, ok := UserIDFromContext(ctx)
	role := RoleFromContext(ctx)
	if !ok || !role.IsValid() {
		return uuid.Nil, "", pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return userID, role, nil
}

// WithActor injects an authenticated user into the context. Tests and
// internal callers use it in place of a bearer token.
func WithActor(ctx context.Context, userID uuid.UUID, role enums.Role) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxUserID, userID)
	return context.WithValue(ctx, ctxRole, role)
}
