package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func processRows(t *testing.T, planDate string, percents ...int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"process_no", "deadline", "percent", "responsible", "note", "completed_at"})
	for i, d := range Deadlines(mustDate(t, planDate)) {
		pct := 0
		if i < len(percents) {
			pct = percents[i]
		}
		rows.AddRow(int64(i+1), d.Time, int64(pct), "", "", nil)
	}
	return rows
}

func TestRepo_CreatePlan(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := PlanInput{WorkshopID: 1, Line: "L07", Style: "ST-100", PlanDate: mustDate(t, "2026-05-04")}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plans").
		WithArgs(int64(1), "L07", "ST-100", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(42, 1))
	for no := 1; no <= ProcessCount; no++ {
		mock.ExpectExec("INSERT INTO plan_processes").
			WithArgs(int64(42), int64(no), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	id, err := repo.CreatePlan(context.Background(), in, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestRepo_CreatePlan_Duplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := PlanInput{WorkshopID: 1, Line: "L07", Style: "ST-100", PlanDate: mustDate(t, "2026-05-04")}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plans").WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := repo.CreatePlan(context.Background(), in, 5)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestRepo_UpdatePlan_MovesOpenDeadlines(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := PlanInput{WorkshopID: 1, Line: "L07", Style: "ST-100", PlanDate: mustDate(t, "2026-05-10")}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT plan_date FROM plans WHERE id = \\? FOR UPDATE").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"plan_date"}).AddRow(mustDate(t, "2026-05-04").Time))
	mock.ExpectExec("UPDATE plans SET workshop_id").WillReturnResult(sqlmock.NewResult(0, 1))
	for no := 1; no <= ProcessCount; no++ {
		mock.ExpectExec("UPDATE plan_processes SET deadline = \\?").
			WithArgs(sqlmock.AnyArg(), int64(3), int64(no)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.UpdatePlan(context.Background(), 3, in))
}

func TestRepo_UpdatePlan_SameDateKeepsDeadlines(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := PlanInput{WorkshopID: 1, Line: "L07", Style: "ST-200", PlanDate: mustDate(t, "2026-05-04")}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT plan_date FROM plans").
		WillReturnRows(sqlmock.NewRows([]string{"plan_date"}).AddRow(mustDate(t, "2026-05-04").Time))
	mock.ExpectExec("UPDATE plans SET workshop_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdatePlan(context.Background(), 3, in))
}

func TestRepo_UpdateProcess_ProofMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM plan_processes WHERE plan_id = \\? ORDER BY process_no FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(processRows(t, "2026-05-04", 100))
	mock.ExpectQuery("SELECT kind, COUNT\\(\\*\\) FROM process_files").
		WithArgs(int64(7), int64(2), FileStatusStored).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "n"}).AddRow("documentation", int64(1)))
	mock.ExpectRollback()

	_, err := repo.UpdateProcess(context.Background(), 7, 2, ProcessChange{Percent: intp(100)}, time.Now())
	assert.True(t, errors.Is(err, ErrProofMissing))
}

func TestRepo_UpdateProcess_Completes(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 4, 20, 9, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM plan_processes WHERE plan_id = \\? ORDER BY process_no FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(processRows(t, "2026-05-04", 100, 40))
	mock.ExpectQuery("SELECT kind, COUNT\\(\\*\\) FROM process_files").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "n"}).
			AddRow("documentation", int64(2)).
			AddRow("a3", int64(1)))
	mock.ExpectExec("UPDATE plan_processes SET deadline = \\?, percent = \\?").
		WithArgs(sqlmock.AnyArg(), int64(100), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE plans SET updated_at").
		WithArgs(now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := repo.UpdateProcess(context.Background(), 7, 2, ProcessChange{Percent: intp(100)}, now)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Percent)
	assert.Equal(t, "Style analysis", got.Name)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, now, *got.CompletedAt)
}

func planRow(rows *sqlmock.Rows, id int64, date time.Time) *sqlmock.Rows {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(id, int64(1), "L07", "ST-100", date, "", int64(5), created, created)
}

func TestRepo_ListPlans_StatusFilterAfterDerivation(t *testing.T) {
	repo, mock := newMockRepo(t)
	today := mustDate(t, "2026-03-01")

	cols := []string{"id", "workshop_id", "line", "style", "plan_date", "note", "created_by", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols)
	planRow(rows, 2, mustDate(t, "2026-06-01").Time)
	planRow(rows, 1, mustDate(t, "2026-01-10").Time)
	mock.ExpectQuery("FROM plans p ORDER BY p.plan_date DESC, p.id DESC$").WillReturnRows(rows)

	procCols := []string{"plan_id", "process_no", "deadline", "percent", "responsible", "note", "completed_at"}
	procs := sqlmock.NewRows(procCols)
	for _, plan := range []struct {
		id   int64
		date string
	}{{2, "2026-06-01"}, {1, "2026-01-10"}} {
		for i, d := range Deadlines(mustDate(t, plan.date)) {
			procs.AddRow(plan.id, int64(i+1), d.Time, int64(0), "", "", nil)
		}
	}
	mock.ExpectQuery("FROM plan_processes\\s+WHERE plan_id IN \\(\\?, \\?\\)").
		WithArgs(int64(2), int64(1)).
		WillReturnRows(procs)

	got, err := repo.ListPlans(context.Background(), Filter{Scope: Scope{All: true}, Status: StatusOverdue}, DefaultRates(), today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, StatusOverdue, got[0].Status)
	assert.Len(t, got[0].Processes, ProcessCount)
}

func TestRepo_ListPlans_EmptyScope(t *testing.T) {
	repo, _ := newMockRepo(t)
	got, err := repo.ListPlans(context.Background(), Filter{Scope: Scope{}}, nil, mustDate(t, "2026-03-01"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepo_ListPlans_PagesInSQL(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("WHERE p.workshop_id IN \\(\\?\\) AND p.line = \\? ORDER BY .* LIMIT \\? OFFSET \\?").
		WithArgs(int64(4), "L07", int64(DefaultLimit), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workshop_id", "line", "style", "plan_date", "note", "created_by", "created_at", "updated_at"}))

	got, err := repo.ListPlans(context.Background(), Filter{Scope: Scope{WorkshopIDs: []int64{4}}, Line: "L07"}, nil, mustDate(t, "2026-03-01"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepo_Rates_DefaultsWhenEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT process_no, rate FROM process_rates").
		WillReturnRows(sqlmock.NewRows([]string{"process_no", "rate"}))

	rates, err := repo.Rates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultRates(), rates)
}

func TestRepo_SetRates(t *testing.T) {
	repo, mock := newMockRepo(t)

	bad := DefaultRates()
	bad[1] = 50
	assert.True(t, errors.Is(repo.SetRates(context.Background(), bad), ErrInvalid))

	mock.ExpectBegin()
	for no := 1; no <= ProcessCount; no++ {
		mock.ExpectExec("INSERT INTO process_rates .* ON DUPLICATE KEY UPDATE").
			WithArgs(int64(no), DefaultRates()[no]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	require.NoError(t, repo.SetRates(context.Background(), DefaultRates()))
}

func fileRow(id string, planID int64, no int, remote, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "plan_id", "process_no", "kind", "orig_name", "content_type", "size_bytes", "sha256", "remote_id", "status", "uploaded_by", "created_at"}).
		AddRow(id, planID, int64(no), "a3", "board.pdf", "application/pdf", int64(10), "", remote, status, int64(5), time.Now())
}

func TestRepo_DeleteFileIfOpen_CompleteProcess(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM process_files WHERE id = \\? FOR UPDATE").
		WithArgs("f-1").
		WillReturnRows(fileRow("f-1", 7, 3, "remote-1", FileStatusStored))
	mock.ExpectQuery("SELECT percent FROM plan_processes").
		WithArgs(int64(7), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"percent"}).AddRow(int64(100)))
	mock.ExpectRollback()

	removed := false
	_, err := repo.DeleteFileIfOpen(context.Background(), "f-1", func(context.Context, string) error {
		removed = true
		return nil
	})
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, removed, "object kept for a complete process")
}

func TestRepo_DeleteFileIfOpen(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM process_files WHERE id = \\? FOR UPDATE").
		WillReturnRows(fileRow("f-1", 7, 3, "remote-1", FileStatusStored))
	mock.ExpectQuery("SELECT percent FROM plan_processes").
		WillReturnRows(sqlmock.NewRows([]string{"percent"}).AddRow(int64(60)))
	mock.ExpectExec("DELETE FROM process_files WHERE id = \\?").
		WithArgs("f-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var removed []string
	f, err := repo.DeleteFileIfOpen(context.Background(), "f-1", func(_ context.Context, remoteID string) error {
		assert.Error(t, mock.ExpectationsWereMet(), "row delete still pending")
		removed = append(removed, remoteID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-1"}, removed)
	assert.Equal(t, "remote-1", f.RemoteID)
	assert.Equal(t, KindA3, f.Kind)
}

func TestRepo_DeleteFileIfOpen_ObjectRemovalFails(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM process_files WHERE id = \\? FOR UPDATE").
		WillReturnRows(fileRow("f-1", 7, 3, "remote-1", FileStatusStored))
	mock.ExpectQuery("SELECT percent FROM plan_processes").
		WillReturnRows(sqlmock.NewRows([]string{"percent"}).AddRow(int64(60)))
	mock.ExpectExec("UPDATE process_files SET status = \\? WHERE id = \\?").
		WithArgs(FileStatusFailed, "f-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	f, err := repo.DeleteFileIfOpen(context.Background(), "f-1", func(context.Context, string) error {
		return errors.New("drive: 500")
	})
	require.NoError(t, err)
	assert.Equal(t, FileStatusFailed, f.Status, "left for the cleanup job")
}

func TestRepo_GetPlan_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM plans p WHERE p.id = \\?").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetPlan(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepo_ReplaceSteps(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM work_steps WHERE plan_id = \\?").WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO work_steps").
		WithArgs(int64(7), int64(1), "Attach collar", "SNLS", 0.42, int64(1)).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("INSERT INTO work_steps").
		WithArgs(int64(7), int64(2), "Overlock side seam", "OL", 0.35, int64(2)).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectCommit()

	out, err := repo.ReplaceSteps(context.Background(), 7, []WorkStep{
		{Seq: 10, Name: " Attach collar ", MachineType: "SNLS", SAM: 0.42, Operators: 1},
		{Seq: 20, Name: "Overlock side seam", MachineType: "OL", SAM: 0.35, Operators: 2},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(11), out[0].ID)
	assert.Equal(t, 2, out[1].Seq)
}

func TestRepo_ReplaceSteps_RejectsInvalid(t *testing.T) {
	repo, _ := newMockRepo(t)
	_, err := repo.ReplaceSteps(context.Background(), 7, []WorkStep{{Name: ""}})
	assert.True(t, errors.Is(err, ErrInvalid))
}

var stepCols = []string{"id", "plan_id", "seq", "name", "machine_type", "sam", "operators"}

func TestRepo_UpdateStep_ZeroSeqKeepsPosition(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE work_steps").
		WithArgs(int64(0), int64(0), "Attach collar", "SNLS", 0.42, int64(1), int64(5), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM work_steps WHERE id = \\? AND plan_id = \\?").
		WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows(stepCols).AddRow(int64(5), int64(7), int64(3), "Attach collar", "SNLS", 0.42, int64(1)))

	got, err := repo.UpdateStep(context.Background(), WorkStep{
		ID: 5, PlanID: 7, Name: " Attach collar ", MachineType: " SNLS", SAM: 0.42, Operators: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Seq)
	assert.Equal(t, "Attach collar", got.Name)
}

func TestRepo_UpdateStep_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE work_steps").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM work_steps WHERE id = \\? AND plan_id = \\?").
		WithArgs(int64(99), int64(7)).
		WillReturnRows(sqlmock.NewRows(stepCols))

	_, err := repo.UpdateStep(context.Background(), WorkStep{ID: 99, PlanID: 7, Seq: 2, Name: "Hem"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepo_UpdateStep_NegativeSeq(t *testing.T) {
	repo, _ := newMockRepo(t)
	_, err := repo.UpdateStep(context.Background(), WorkStep{ID: 5, PlanID: 7, Seq: -1, Name: "Hem"})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestFolderFor(t *testing.T) {
	assert.Equal(t, "plan-12/3-line_layout/a3", FolderFor(12, 3, KindA3))
	assert.Equal(t, "plan-12/1-pre_production_meeting/documentation", FolderFor(12, 1, KindDocumentation))
}
