package rbac

import (
	"time"

	"github.com/odyssey-erp/stockclose/internal/shared"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// DefaultRoles maps the built-in roles to their permissions.
var DefaultRoles = map[string][]string{
	"closing_admin":  append(shared.ClosingScopes(), shared.PermInventoryView),
	"closing_viewer": {shared.PermClosingView, shared.PermInventoryView},
	"stock_clerk":    shared.InventoryScopes(),
}
