package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"changeover-planner/internal/db"
)

// AuditAction names a mutating operation in the audit log.
type AuditAction string

const (
	AuditLogin          AuditAction = "login"
	AuditLogout         AuditAction = "logout"
	AuditPasswordChange AuditAction = "password_change"
	AuditPlanCreate     AuditAction = "plan_create"
	AuditPlanUpdate     AuditAction = "plan_update"
	AuditPlanDelete     AuditAction = "plan_delete"
	AuditProcessUpdate  AuditAction = "process_update"
	AuditFileUpload     AuditAction = "file_upload"
	AuditFileDelete     AuditAction = "file_delete"
	AuditFileLink       AuditAction = "file_link"
	AuditStepsChange    AuditAction = "steps_change"
	AuditRatesChange    AuditAction = "rates_change"
	AuditUserChange     AuditAction = "user_change"
	AuditRoleChange     AuditAction = "role_change"
	AuditWorkshopChange AuditAction = "workshop_change"
	AuditCleanup        AuditAction = "cleanup"
)

type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    AuditAction    `json:"action"`
	UserID    int64          `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	ErrorMsg  string         `json:"error_message,omitempty"`
}

type AuditFilter struct {
	Action AuditAction
	UserID int64
	From   time.Time
	To     time.Time
	Limit  int
}

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 500
)

// WriteAudit stores e, filling in the id and timestamp when unset.
func (r *Repo) WriteAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var details []byte
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = b
	}
	var userID sql.NullInt64
	if e.UserID > 0 {
		userID = sql.NullInt64{Int64: e.UserID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, created_at, action, user_id, username, ip_address,
			user_agent, resource, details, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Timestamp,
		string(e.Action),
		userID,
		db.NullString(e.Username),
		e.IPAddress,
		db.NullString(truncate(e.UserAgent, 255)),
		db.NullString(e.Resource),
		details,
		e.Success,
		db.NullString(truncate(e.ErrorMsg, 512)),
	)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ListAudit returns entries newest first.
func (r *Repo) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}
	if f.Limit > MaxAuditLimit {
		f.Limit = MaxAuditLimit
	}

	q := `
		SELECT id, created_at, action, user_id, username, ip_address,
		       user_agent, resource, details, success, error_message
		FROM audit_logs
		WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, string(f.Action))
	}
	if f.UserID > 0 {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.From.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, f.To)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e                                       AuditEntry
			action                                  string
			userID                                  sql.NullInt64
			username, userAgent, resource, errorMsg sql.NullString
			details                                 []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &action, &userID, &username, &e.IPAddress,
			&userAgent, &resource, &details, &e.Success, &errorMsg); err != nil {
			return nil, err
		}
		e.Action = AuditAction(action)
		e.UserID = userID.Int64
		e.Username = username.String
		e.UserAgent = userAgent.String
		e.Resource = resource.String
		e.ErrorMsg = errorMsg.String
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
