package planning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalid       = errors.New("invalid")
	ErrProofMissing  = errors.New("proof of completion required")
	ErrOutOfSequence = errors.New("process out of sequence")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

const dateLayout = "2006-01-02"

// Date is a calendar day in UTC, serialised as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, invalidf("date %q must be YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) AddDays(n int) Date { return Date{d.Time.AddDate(0, 0, n)} }

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Status is derived from the processes, never stored.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusOverdue    Status = "overdue"
	StatusCompleted  Status = "completed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNotStarted, StatusInProgress, StatusOverdue, StatusCompleted:
		return Status(s), nil
	}
	return "", invalidf("unknown status %q", s)
}

// FileKind is the proof-of-completion category of an upload.
type FileKind string

const (
	KindDocumentation FileKind = "documentation"
	KindA3            FileKind = "a3"
)

func ParseFileKind(s string) (FileKind, error) {
	switch FileKind(strings.ToLower(s)) {
	case KindDocumentation:
		return KindDocumentation, nil
	case KindA3:
		return KindA3, nil
	}
	return "", invalidf("file kind must be documentation or a3")
}

const (
	FileStatusPending = "pending"
	FileStatusStored  = "stored"
	FileStatusFailed  = "failed"
)

type Plan struct {
	ID             int64         `json:"id"`
	WorkshopID     int64         `json:"workshop_id"`
	Line           string        `json:"line"`
	Style          string        `json:"style"`
	PlanDate       Date          `json:"plan_date"`
	Note           string        `json:"note"`
	CreatedBy      int64         `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Processes      []PlanProcess `json:"processes"`
	OverallPercent float64       `json:"overall_percent"`
	Status         Status        `json:"status"`
}

type PlanProcess struct {
	PlanID      int64         `json:"plan_id"`
	No          int           `json:"no"`
	Name        string        `json:"name"`
	Deadline    Date          `json:"deadline"`
	Percent     int           `json:"percent"`
	Responsible string        `json:"responsible,omitempty"`
	Note        string        `json:"note,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Files       []ProcessFile `json:"files"`
}

func (p PlanProcess) Complete() bool { return p.Percent >= 100 }

type ProcessFile struct {
	ID          string    `json:"id"`
	PlanID      int64     `json:"plan_id"`
	ProcessNo   int       `json:"process_no"`
	Kind        FileKind  `json:"kind"`
	OrigName    string    `json:"orig_name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256,omitempty"`
	RemoteID    string    `json:"-"`
	Status      string    `json:"status"`
	UploadedBy  int64     `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type WorkStep struct {
	ID          int64   `json:"id"`
	PlanID      int64   `json:"plan_id"`
	Seq         int     `json:"seq"`
	Name        string  `json:"name"`
	MachineType string  `json:"machine_type"`
	SAM         float64 `json:"sam"`
	Operators   int     `json:"operators"`
}

func (s *WorkStep) Normalise() error {
	s.Name = strings.TrimSpace(s.Name)
	s.MachineType = strings.TrimSpace(s.MachineType)
	if s.Name == "" {
		return invalidf("step name is required")
	}
	if s.SAM < 0 {
		return invalidf("sam must not be negative")
	}
	if s.Operators < 0 {
		return invalidf("operators must not be negative")
	}
	return nil
}

// Scope limits queries to the workshops a user may see.
type Scope struct {
	All         bool
	WorkshopIDs []int64
}

func (s Scope) Allows(workshopID int64) bool {
	if s.All {
		return true
	}
	for _, id := range s.WorkshopIDs {
		if id == workshopID {
			return true
		}
	}
	return false
}

type Filter struct {
	Scope      Scope
	WorkshopID int64
	Line       string
	Style      string
	From       Date
	To         Date
	Status     Status
	Limit      int
	Offset     int
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

func (f *Filter) Normalise() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Line = strings.TrimSpace(f.Line)
	f.Style = strings.TrimSpace(f.Style)
}

// PlanInput is the editable part of a plan.
type PlanInput struct {
	WorkshopID int64  `json:"workshop_id"`
	Line       string `json:"line"`
	Style      string `json:"style"`
	PlanDate   Date   `json:"plan_date"`
	Note       string `json:"note"`
}

func (in *PlanInput) Normalise() error {
	in.Line = strings.TrimSpace(in.Line)
	in.Style = strings.TrimSpace(in.Style)
	in.Note = strings.TrimSpace(in.Note)
	switch {
	case in.WorkshopID <= 0:
		return invalidf("workshop_id is required")
	case in.Line == "" || len(in.Line) > 32:
		return invalidf("line must be 1..32 characters")
	case in.Style == "" || len(in.Style) > 64:
		return invalidf("style must be 1..64 characters")
	case in.PlanDate.IsZero():
		return invalidf("plan_date is required")
	}
	return nil
}

// ProcessChange carries the optional fields of a process update.
type ProcessChange struct {
	Percent     *int    `json:"percent"`
	Deadline    *Date   `json:"deadline"`
	Responsible *string `json:"responsible"`
	Note        *string `json:"note"`
}

// OverdueProcess is one late process, used by the dashboard and notifier.
type OverdueProcess struct {
	PlanID       int64  `json:"plan_id"`
	WorkshopID   int64  `json:"workshop_id"`
	Line         string `json:"line"`
	Style        string `json:"style"`
	PlanDate     Date   `json:"plan_date"`
	ProcessNo    int    `json:"process_no"`
	ProcessName  string `json:"process_name"`
	Deadline     Date   `json:"deadline"`
	Percent      int    `json:"percent"`
	DaysLate     int    `json:"days_late"`
	CreatorID    int64  `json:"-"`
	CreatorEmail string `json:"-"`
}
