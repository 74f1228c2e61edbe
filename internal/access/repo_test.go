package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"changeover-planner/internal/planning"
)

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})
	return NewRepo(conn), mock
}

func cheapHash(t *testing.T, pw string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(b)
}

func TestRepo_Principal(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT username, full_name").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "full_name", "email", "active"}).
			AddRow("lan", "Tran Lan", "lan@example.com", true))
	mock.ExpectQuery("UNION").WithArgs(int64(7), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"permission"}).
			AddRow("plan.view").AddRow("workshop.all").AddRow("export"))
	mock.ExpectQuery("FROM user_workshops WHERE user_id = \\?").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "workshop_id"}).AddRow(int64(7), int64(2)))

	p, err := repo.Principal(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []Permission{"export", "plan.view", "workshop.all"}, p.Permissions)
	assert.True(t, p.AllWorkshops)
	assert.Equal(t, []int64{2}, p.WorkshopIDs)
}

func TestRepo_PrincipalInactive(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT username, full_name").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "full_name", "email", "active"}).
			AddRow("lan", "Tran Lan", "", false))

	_, err := repo.Principal(context.Background(), 7)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepo_Authenticate(t *testing.T) {
	hash := cheapHash(t, "changeover1")
	cols := []string{"id", "password_hash", "active"}

	tests := []struct {
		name     string
		password string
		active   bool
		wantErr  error
	}{
		{"ok", "changeover1", true, nil},
		{"wrong password", "changeover2", true, ErrBadCredentials},
		{"inactive", "changeover1", false, ErrBadCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectQuery("SELECT id, password_hash, active FROM users").WithArgs("lan").
				WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), hash, tt.active))

			id, err := repo.Authenticate(context.Background(), " lan ", tt.password)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(7), id)
		})
	}
}

func TestRepo_AuthenticateUnknownUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT id, password_hash, active FROM users").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash", "active"}))

	_, err := repo.Authenticate(context.Background(), "ghost", "changeover1")
	assert.True(t, errors.Is(err, ErrBadCredentials))
}

func TestRepo_SetRolesUnknownRole(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE id = \\? FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("DELETE FROM user_roles").WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_roles").WithArgs(int64(7), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_roles").WithArgs(int64(7), int64(99)).
		WillReturnError(&mysql.MySQLError{Number: 1452, Message: "foreign key"})
	mock.ExpectRollback()

	err := repo.SetRoles(context.Background(), 7, []int64{1, 99, 1})
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
}

func TestRepo_SetPermissionsRejectsUnknown(t *testing.T) {
	repo, _ := newMockRepo(t)
	err := repo.SetPermissions(context.Background(), 7, []string{"plan.view", "nope"})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRepo_SetWorkshopsUnknownUser(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.SetWorkshops(context.Background(), 8, []int64{1})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepo_DeleteWorkshopInUse(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM workshops").WithArgs(int64(3)).
		WillReturnError(&mysql.MySQLError{Number: 1451, Message: "referenced"})

	err := repo.DeleteWorkshop(context.Background(), 3)
	assert.True(t, errors.Is(err, ErrInUse))
}

func TestRepo_UpdateWorkshopUnchanged(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE workshops SET code").WithArgs("WS-A", "Sewing A", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM workshops").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	w, err := repo.UpdateWorkshop(context.Background(), 3, WorkshopInput{Code: "ws-a", Name: "Sewing A"})
	require.NoError(t, err)
	assert.Equal(t, "WS-A", w.Code)
}

func TestRepo_ListWorkshopsScoped(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM workshops WHERE id IN \\(\\?, \\?\\) ORDER BY code").WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name"}).AddRow(int64(1), "WS-A", "Sewing A"))

	got, err := repo.ListWorkshops(context.Background(), planning.Scope{WorkshopIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	empty, err := repo.ListWorkshops(context.Background(), planning.Scope{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRepo_BootstrapSkipsWhenUsersExist(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	created, err := repo.Bootstrap(context.Background(), "admin", "changeover1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRepo_BootstrapRejectsWeakPassword(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	_, err := repo.Bootstrap(context.Background(), "admin", "abc")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRepo_BootstrapRequiresPasswordOnEmptyTable(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	created, err := repo.Bootstrap(context.Background(), "admin", "")
	assert.True(t, errors.Is(err, ErrNoAdministrator))
	assert.False(t, created)
}

func TestRepo_BootstrapBlankPasswordFineWhenUsersExist(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	created, err := repo.Bootstrap(context.Background(), "admin", "")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRepo_CreateRoleDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO roles").WithArgs("planner", "").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "duplicate"})
	mock.ExpectRollback()

	_, err := repo.CreateRole(context.Background(), RoleInput{Name: "planner", Permissions: []string{"plan.view"}})
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestRepo_ListAudit(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("AND action = \\? AND created_at >= \\? ORDER BY created_at DESC LIMIT \\?").
		WithArgs("login", from, int64(MaxAuditLimit)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created_at", "action", "user_id", "username", "ip_address",
			"user_agent", "resource", "details", "success", "error_message",
		}).AddRow("a1", from, "login", int64(7), "lan", "10.0.0.1", nil, nil, []byte(`{"attempts":1}`), true, nil))

	got, err := repo.ListAudit(context.Background(), AuditFilter{Action: AuditLogin, From: from, Limit: 10000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].UserID)
	assert.Equal(t, float64(1), got[0].Details["attempts"])
}

func TestRepo_WriteAudit(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "plan_delete", sqlmock.AnyArg(), "lan", "10.0.0.1",
			sqlmock.AnyArg(), "plan:12", []byte(`{"line":"L07"}`), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.WriteAudit(context.Background(), AuditEntry{
		Action:    AuditPlanDelete,
		UserID:    7,
		Username:  "lan",
		IPAddress: "10.0.0.1",
		Resource:  "plan:12",
		Details:   map[string]any{"line": "L07"},
		Success:   true,
	})
	require.NoError(t, err)
}
