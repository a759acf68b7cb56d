package rbac

import (
	"context"

	"github.com/odyssey-erp/stockclose/internal/shared"
)

// PermissionSource resolves the permissions granted to an actor.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, actor string) ([]string, error)
}

// Authorizer answers closing permission questions from the role tables.
type Authorizer struct {
	source PermissionSource
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(source PermissionSource) *Authorizer {
	return &Authorizer{source: source}
}

// CanClose reports whether actor may close periods.
func (a *Authorizer) CanClose(ctx context.Context, actor string) (bool, error) {
	return a.has(ctx, actor, shared.PermClosingRun)
}

// CanRollback reports whether actor may roll back closings.
func (a *Authorizer) CanRollback(ctx context.Context, actor string) (bool, error) {
	return a.has(ctx, actor, shared.PermClosingRollback)
}

// CanView reports whether actor may read closing runs and snapshots.
func (a *Authorizer) CanView(ctx context.Context, actor string) (bool, error) {
	return a.has(ctx, actor, shared.PermClosingView)
}

func (a *Authorizer) has(ctx context.Context, actor, perm string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	granted, err := a.source.EffectivePermissions(ctx, actor)
	if err != nil {
		return false, err
	}
	return hasAnyPermission(granted, []string{perm}), nil
}
