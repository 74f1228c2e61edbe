package access

import (
	"context"
	"database/sql"
	"fmt"

	"changeover-planner/internal/db"
)

func (r *Repo) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []Role{}
	index := map[int64]int{}
	for rows.Next() {
		role := Role{Permissions: []Permission{}}
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, err
		}
		index[role.ID] = len(roles)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.db.QueryContext(ctx, `SELECT role_id, permission FROM role_permissions ORDER BY permission`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var id int64
		var p string
		if err := prows.Scan(&id, &p); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			roles[i].Permissions = append(roles[i].Permissions, p)
		}
	}
	return roles, prows.Err()
}

func (r *Repo) GetRole(ctx context.Context, id int64) (Role, error) {
	role := Role{ID: id, Permissions: []Permission{}}
	err := r.db.QueryRowContext(ctx, `SELECT name, description FROM roles WHERE id = ?`, id).
		Scan(&role.Name, &role.Description)
	if err != nil {
		return role, translate(err, fmt.Sprintf("role %d", id))
	}
	rows, err := r.db.QueryContext(ctx, `SELECT permission FROM role_permissions WHERE role_id = ? ORDER BY permission`, id)
	if err != nil {
		return role, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return role, err
		}
		role.Permissions = append(role.Permissions, p)
	}
	return role, rows.Err()
}

func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID int64, perms []Permission) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = ?`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)`, roleID, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	perms, err := in.Normalise()
	if err != nil {
		return Role{}, err
	}
	var id int64
	err = db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO roles (name, description) VALUES (?, ?)`, in.Name, in.Description)
		if err != nil {
			return translate(err, "role "+in.Name)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return replaceRolePermissions(ctx, tx, id, perms)
	})
	if err != nil {
		return Role{}, err
	}
	return Role{ID: id, Name: in.Name, Description: in.Description, Permissions: perms}, nil
}

func (r *Repo) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	perms, err := in.Normalise()
	if err != nil {
		return Role{}, err
	}
	err = db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var got int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE id = ? FOR UPDATE`, id).Scan(&got); err != nil {
			return translate(err, fmt.Sprintf("role %d", id))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE roles SET name = ?, description = ? WHERE id = ?`,
			in.Name, in.Description, id); err != nil {
			return translate(err, "role "+in.Name)
		}
		return replaceRolePermissions(ctx, tx, id, perms)
	})
	if err != nil {
		return Role{}, err
	}
	return Role{ID: id, Name: in.Name, Description: in.Description, Permissions: perms}, nil
}

// DeleteRole removes the role; its grants disappear with it.
func (r *Repo) DeleteRole(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return translate(err, "role")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	return nil
}
