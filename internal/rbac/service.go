package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockclose/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Service orchestrates RBAC operations.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// SeedDefaults creates the built-in roles and their permissions.
func (s *Service) SeedDefaults(ctx context.Context) error {
	names := make([]string, 0, len(DefaultRoles))
	for name := range DefaultRoles {
		names = append(names, name)
	}
	sort.Strings(names)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, name := range names {
			var roleID int64
			if err := tx.QueryRow(ctx, `
				INSERT INTO roles (name, description) VALUES ($1, '')
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, name).Scan(&roleID); err != nil {
				return fmt.Errorf("rbac: seed role %s: %w", name, err)
			}
			for _, perm := range DefaultRoles[name] {
				if _, err := tx.Exec(ctx, `
					WITH p AS (
						INSERT INTO permissions (name, description) VALUES ($1, '')
						ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
						RETURNING id
					)
					INSERT INTO role_permissions (role_id, permission_id)
					SELECT $2, id FROM p
					ON CONFLICT DO NOTHING`, perm, roleID); err != nil {
					return fmt.Errorf("rbac: seed permission %s: %w", perm, err)
				}
			}
		}
		return nil
	})
}

// AssignRole assigns a role, by name, to the given actor.
func (s *Service) AssignRole(ctx context.Context, actor, roleName string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("rbac: actor required")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO actor_roles (actor, role_id)
		SELECT $1, id FROM roles WHERE name = $2
		ON CONFLICT DO NOTHING`, actor, roleName)
	if err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`, roleName).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// RemoveRole removes a role from an actor.
func (s *Service) RemoveRole(ctx context.Context, actor, roleName string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM actor_roles
		WHERE actor = $1 AND role_id = (SELECT id FROM roles WHERE name = $2)`, actor, roleName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EffectivePermissions returns deduplicated permission names for an actor.
func (s *Service) EffectivePermissions(ctx context.Context, actor string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM actor_roles ar
		JOIN role_permissions rp ON rp.role_id = ar.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ar.actor = $1
		ORDER BY p.name`, actor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}
