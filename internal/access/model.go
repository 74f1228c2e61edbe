// Package access holds users, roles, permissions and workshop scoping.
package access

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"changeover-planner/internal/planning"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrInvalid   = errors.New("invalid input")
	ErrInUse     = errors.New("still referenced")
	// ErrBadCredentials covers unknown users, wrong passwords and inactive
	// accounts alike.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrNoAdministrator means the users table is empty and no bootstrap
	// password was configured, so nobody could ever log in.
	ErrNoAdministrator = errors.New("no users exist and auth.bootstrap_password is not set")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type Permission = string

const (
	PermPlanView        Permission = "plan.view"
	PermPlanCreate      Permission = "plan.create"
	PermPlanEdit        Permission = "plan.edit"
	PermPlanDelete      Permission = "plan.delete"
	PermProcessUpdate   Permission = "process.update"
	PermProcessDeadline Permission = "process.deadline"
	PermFileUpload      Permission = "file.upload"
	PermFileDelete      Permission = "file.delete"
	PermStepEdit        Permission = "step.edit"
	PermRatesEdit       Permission = "rates.edit"
	PermMachineView     Permission = "machine.view"
	PermEmployeeView    Permission = "employee.view"
	PermERPView         Permission = "erp.view"
	PermExport          Permission = "export"
	PermAdminUsers      Permission = "admin.users"
	PermAdminRoles      Permission = "admin.roles"
	PermAdminWorkshops  Permission = "admin.workshops"
	PermAuditView       Permission = "audit.view"
	PermWorkshopAll     Permission = "workshop.all"
)

// PermissionInfo describes one entry of the catalogue.
type PermissionInfo struct {
	Code        Permission `json:"code"`
	Description string     `json:"description"`
}

var catalogue = []PermissionInfo{
	{PermPlanView, "View plans, processes and the dashboard"},
	{PermPlanCreate, "Create plans"},
	{PermPlanEdit, "Edit plan line, style, date and note"},
	{PermPlanDelete, "Delete plans"},
	{PermProcessUpdate, "Update process progress, responsible and note"},
	{PermProcessDeadline, "Move process deadlines"},
	{PermFileUpload, "Upload documentation and A3 proofs"},
	{PermFileDelete, "Delete proof files"},
	{PermStepEdit, "Edit work steps"},
	{PermRatesEdit, "Edit process weights"},
	{PermMachineView, "View machines and the machine check"},
	{PermEmployeeView, "Search employees"},
	{PermERPView, "Browse ERP lines, styles and operations"},
	{PermExport, "Export plans to Excel"},
	{PermAdminUsers, "Manage users"},
	{PermAdminRoles, "Manage roles"},
	{PermAdminWorkshops, "Manage workshops"},
	{PermAuditView, "Read the audit log"},
	{PermWorkshopAll, "See plans of every workshop"},
}

func Catalogue() []PermissionInfo {
	out := make([]PermissionInfo, len(catalogue))
	copy(out, catalogue)
	return out
}

func AllPermissions() []Permission {
	out := make([]Permission, len(catalogue))
	for i, p := range catalogue {
		out[i] = p.Code
	}
	return out
}

func KnownPermission(p string) bool {
	for _, c := range catalogue {
		if c.Code == p {
			return true
		}
	}
	return false
}

// NormalisePermissions trims, dedups and sorts perms, rejecting unknown codes.
func NormalisePermissions(perms []string) ([]Permission, error) {
	seen := make(map[string]bool, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if !KnownPermission(p) {
			return nil, invalidf("unknown permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AdministratorRole is created on bootstrap and holds every permission.
const AdministratorRole = "administrator"

type User struct {
	ID          int64        `json:"id"`
	Username    string       `json:"username"`
	FullName    string       `json:"full_name"`
	Email       string       `json:"email,omitempty"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
	LastLogin   *time.Time   `json:"last_login,omitempty"`
	RoleIDs     []int64      `json:"role_ids"`
	Permissions []Permission `json:"permissions"`
	WorkshopIDs []int64      `json:"workshop_ids"`
}

type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

type Workshop struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Principal is the authenticated caller, rebuilt from the database on
// every request.
type Principal struct {
	UserID       int64        `json:"id"`
	Username     string       `json:"username"`
	FullName     string       `json:"full_name"`
	Email        string       `json:"email,omitempty"`
	Permissions  []Permission `json:"permissions"`
	WorkshopIDs  []int64      `json:"workshop_ids"`
	AllWorkshops bool         `json:"all_workshops"`
}

func (p Principal) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

func (p Principal) Scope() planning.Scope {
	return planning.Scope{All: p.AllWorkshops, WorkshopIDs: p.WorkshopIDs}
}

// EffectivePermissions is the sorted union of direct and role permissions.
func EffectivePermissions(direct []Permission, roles ...[]Permission) []Permission {
	set := map[Permission]bool{}
	for _, p := range direct {
		set[p] = true
	}
	for _, rp := range roles {
		for _, p := range rp {
			set[p] = true
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type UserInput struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in *UserInput) Normalise() error {
	in.Username = strings.TrimSpace(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := ValidateUsername(in.Username); err != nil {
		return err
	}
	if in.Email != "" && !emailRegex.MatchString(in.Email) {
		return invalidf("invalid email address")
	}
	return ValidatePassword(in.Password)
}

type UserUpdate struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Active   bool   `json:"active"`
}

func (u *UserUpdate) Normalise() error {
	u.FullName = strings.TrimSpace(u.FullName)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email != "" && !emailRegex.MatchString(u.Email) {
		return invalidf("invalid email address")
	}
	return nil
}

type RoleInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

func (in *RoleInput) Normalise() ([]Permission, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" || len(in.Name) > 64 {
		return nil, invalidf("role name must be 1..64 characters")
	}
	return NormalisePermissions(in.Permissions)
}

type WorkshopInput struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (in *WorkshopInput) Normalise() error {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || len(in.Code) > 32 {
		return invalidf("workshop code must be 1..32 characters")
	}
	if in.Name == "" {
		return invalidf("workshop name is required")
	}
	return nil
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)
	hasDigit      = regexp.MustCompile(`[0-9]`)
	hasLetter     = regexp.MustCompile(`[a-zA-Z]`)
)

func ValidateUsername(username string) error {
	if len(username) < 3 {
		return invalidf("username must be at least 3 characters long")
	}
	if len(username) > 50 {
		return invalidf("username must be at most 50 characters long")
	}
	if !usernameRegex.MatchString(username) {
		return invalidf("username can only contain letters, numbers, dots and underscores")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 {
		return invalidf("password must be at least 8 characters long")
	}
	if len(password) > 128 {
		return invalidf("password must be at most 128 characters long")
	}
	if !hasDigit.MatchString(password) || !hasLetter.MatchString(password) {
		return invalidf("password must contain both letters and numbers")
	}
	return nil
}

const bcryptCost = 12

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
