package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"changeover-planner/internal/db"
)

type Repo struct {
	db *sql.DB
}

func NewRepo(conn *sql.DB) *Repo { return &Repo{db: conn} }

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case db.IsDuplicate(err):
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	case db.IsReferenced(err):
		return fmt.Errorf("%w: %s", ErrInUse, what)
	case db.IsMissingReference(err):
		return invalidf("%s references an unknown record", what)
	}
	return err
}

// exists distinguishes "no row" from "nothing changed" after an UPDATE,
// since MySQL reports zero affected rows for both.
func (r *Repo) exists(ctx context.Context, table string, id int64) error {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ?)`, id).Scan(&ok)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, strings.TrimSuffix(table, "s"), id)
	}
	return nil
}

func (r *Repo) updated(ctx context.Context, res sql.Result, table string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.exists(ctx, table, id)
}

const userColumns = `id, username, full_name, COALESCE(email, ''), active, created_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u     User
		login sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Active, &u.CreatedAt, &login); err != nil {
		return u, err
	}
	if login.Valid {
		t := login.Time
		u.LastLogin = &t
	}
	u.RoleIDs = []int64{}
	u.Permissions = []Permission{}
	u.WorkshopIDs = []int64{}
	return u, nil
}

func (r *Repo) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attach(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *Repo) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return u, translate(err, fmt.Sprintf("user %d", id))
	}
	users := []User{u}
	if err := r.attach(ctx, users); err != nil {
		return u, err
	}
	return users[0], nil
}

// attach loads role ids, direct permissions and workshops for users.
func (r *Repo) attach(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]int64, len(users))
	index := make(map[int64]*User, len(users))
	for i := range users {
		ids[i] = users[i].ID
		index[users[i].ID] = &users[i]
	}
	in := db.Placeholders(len(ids))
	args := db.Int64Args(ids)

	if err := r.attachInts(ctx, `SELECT user_id, role_id FROM user_roles WHERE user_id IN (`+in+`) ORDER BY role_id`, args,
		func(uid, v int64) { index[uid].RoleIDs = append(index[uid].RoleIDs, v) }); err != nil {
		return err
	}
	if err := r.attachInts(ctx, `SELECT user_id, workshop_id FROM user_workshops WHERE user_id IN (`+in+`) ORDER BY workshop_id`, args,
		func(uid, v int64) { index[uid].WorkshopIDs = append(index[uid].WorkshopIDs, v) }); err != nil {
		return err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT user_id, permission FROM user_permissions WHERE user_id IN (`+in+`) ORDER BY permission`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid int64
		var p string
		if err := rows.Scan(&uid, &p); err != nil {
			return err
		}
		if u := index[uid]; u != nil {
			u.Permissions = append(u.Permissions, p)
		}
	}
	return rows.Err()
}

func (r *Repo) attachInts(ctx context.Context, query string, args []any, add func(uid, v int64)) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid, v int64
		if err := rows.Scan(&uid, &v); err != nil {
			return err
		}
		add(uid, v)
	}
	return rows.Err()
}

func (r *Repo) CreateUser(ctx context.Context, in UserInput) (User, error) {
	if err := in.Normalise(); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, email, password_hash, active)
		VALUES (?, ?, ?, ?, TRUE)
	`, in.Username, in.FullName, db.NullString(in.Email), hash)
	if err != nil {
		return User{}, translate(err, "username "+in.Username)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return r.GetUser(ctx, id)
}

func (r *Repo) UpdateUser(ctx context.Context, id int64, u UserUpdate) error {
	if err := u.Normalise(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET full_name = ?, email = ?, active = ? WHERE id = ?
	`, u.FullName, db.NullString(u.Email), u.Active, id)
	if err != nil {
		return translate(err, "user")
	}
	return r.updated(ctx, res, "users", id)
}

func (r *Repo) ResetPassword(ctx context.Context, id int64, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return err
	}
	return r.updated(ctx, res, "users", id)
}

// ChangePassword replaces the caller's password after checking the old one.
func (r *Repo) ChangePassword(ctx context.Context, id int64, oldPassword, newPassword string) error {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = ?`, id).Scan(&hash)
	if err != nil {
		return translate(err, "user")
	}
	if !CheckPassword(oldPassword, hash) {
		return ErrBadCredentials
	}
	return r.ResetPassword(ctx, id, newPassword)
}

// Authenticate returns the user id for valid credentials of an active user.
func (r *Repo) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var (
		id     int64
		hash   string
		active bool
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, password_hash, active FROM users WHERE username = ?
	`, strings.TrimSpace(username)).Scan(&id, &hash, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBadCredentials
	}
	if err != nil {
		return 0, err
	}
	if !active || !CheckPassword(password, hash) {
		return 0, ErrBadCredentials
	}
	return id, nil
}

func (r *Repo) TouchLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// lockUser takes a row lock on the user so concurrent replacements of the
// same link table serialise.
func lockUser(ctx context.Context, tx *sql.Tx, id int64) error {
	var got int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ? FOR UPDATE`, id).Scan(&got)
	return translate(err, fmt.Sprintf("user %d", id))
}

func (r *Repo) SetRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, userID); err != nil {
			return err
		}
		for _, id := range dedupInts(roleIDs) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, id); err != nil {
				return translate(err, fmt.Sprintf("role %d", id))
			}
		}
		return nil
	})
}

func (r *Repo) SetPermissions(ctx context.Context, userID int64, perms []string) error {
	norm, err := NormalisePermissions(perms)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_permissions WHERE user_id = ?`, userID); err != nil {
			return err
		}
		for _, p := range norm {
			if _, err := tx.ExecContext(ctx, `INSERT INTO user_permissions (user_id, permission) VALUES (?, ?)`, userID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) SetWorkshops(ctx context.Context, userID int64, workshopIDs []int64) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_workshops WHERE user_id = ?`, userID); err != nil {
			return err
		}
		for _, id := range dedupInts(workshopIDs) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO user_workshops (user_id, workshop_id) VALUES (?, ?)`, userID, id); err != nil {
				return translate(err, fmt.Sprintf("workshop %d", id))
			}
		}
		return nil
	})
}

func dedupInts(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Principal loads the caller's effective permissions and workshops. Inactive
// or deleted users yield ErrNotFound.
func (r *Repo) Principal(ctx context.Context, userID int64) (Principal, error) {
	p := Principal{UserID: userID}
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT username, full_name, COALESCE(email, ''), active FROM users WHERE id = ?
	`, userID).Scan(&p.Username, &p.FullName, &p.Email, &active)
	if err != nil {
		return p, translate(err, "user")
	}
	if !active {
		return p, fmt.Errorf("%w: user %d is inactive", ErrNotFound, userID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT permission FROM user_permissions WHERE user_id = ?
		UNION
		SELECT rp.permission FROM role_permissions rp
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = ?
	`, userID, userID)
	if err != nil {
		return p, err
	}
	var perms []Permission
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			rows.Close()
			return p, err
		}
		perms = append(perms, perm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p, err
	}
	p.Permissions = EffectivePermissions(perms)
	p.AllWorkshops = p.Has(PermWorkshopAll)

	p.WorkshopIDs = []int64{}
	err = r.attachInts(ctx, `SELECT user_id, workshop_id FROM user_workshops WHERE user_id = ? ORDER BY workshop_id`,
		[]any{userID}, func(_, v int64) { p.WorkshopIDs = append(p.WorkshopIDs, v) })
	return p, err
}

// Bootstrap creates the first administrator when no user exists yet. It
// reports whether a user was created, and fails with ErrNoAdministrator when
// the table is empty and password is blank.
func (r *Repo) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if password == "" {
		return false, ErrNoAdministrator
	}
	in := UserInput{Username: username, FullName: "Administrator", Password: password}
	if err := in.Normalise(); err != nil {
		return false, fmt.Errorf("bootstrap user: %w", err)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}

	err = db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO roles (name, description) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)
		`, AdministratorRole, "Every permission")
		if err != nil {
			return err
		}
		roleID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = ?`, roleID); err != nil {
			return err
		}
		for _, p := range AllPermissions() {
			if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)`, roleID, p); err != nil {
				return err
			}
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO users (username, full_name, password_hash, active) VALUES (?, ?, ?, TRUE)
		`, in.Username, in.FullName, hash)
		if err != nil {
			return translate(err, "username "+in.Username)
		}
		userID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, roleID)
		return err
	})
	return err == nil, err
}
