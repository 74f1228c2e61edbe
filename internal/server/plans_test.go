package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changeover-planner/internal/access"
	"changeover-planner/internal/planning"
)

var lead = access.Principal{
	UserID: 4, Username: "lead",
	Permissions: []access.Permission{access.PermPlanView, access.PermPlanCreate, access.PermRatesEdit},
	WorkshopIDs: []int64{1},
}

func newLeadEnv(t *testing.T) *testEnv {
	env := newTestEnv(t)
	env.acc.principals[lead.UserID] = lead
	return env
}

func TestCreatePlan_Invalid(t *testing.T) {
	env := newLeadEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/plans",
		jsonBody(t, map[string]any{"workshop_id": 1, "line": " ", "style": "ST-1", "plan_date": "2026-03-20"}))
	rr := env.do(t, req, &lead)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr), "line")
	assert.False(t, env.audit.last(t).Success)
}

func TestCreatePlan_OtherWorkshop(t *testing.T) {
	env := newLeadEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/plans",
		jsonBody(t, map[string]any{"workshop_id": 2, "line": "L01", "style": "ST-1", "plan_date": "2026-03-20"}))
	assert.Equal(t, http.StatusForbidden, env.do(t, req, &lead).Code)
}

func TestListPlans_BadFilter(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"?status=late", "?from=20-03-2026", "?workshop_id=x", "?limit=ten"} {
		rr := env.do(t, httptest.NewRequest(http.MethodGet, "/api/plans"+q, nil), &viewer)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestGetRates_Defaults(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(regexp.QuoteMeta(`SELECT process_no, rate FROM process_rates`)).
		WillReturnRows(sqlmock.NewRows([]string{"process_no", "rate"}))

	rr := env.do(t, httptest.NewRequest(http.MethodGet, "/api/process-rates", nil), &viewer)
	require.Equal(t, http.StatusOK, rr.Code)

	var body ratesBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, planning.DefaultRates(), body.Rates)
}

func TestSetRates(t *testing.T) {
	env := newLeadEnv(t)

	bad := map[string]any{"rates": map[string]float64{"1": 50, "2": 60}}
	rr := env.do(t, httptest.NewRequest(http.MethodPut, "/api/process-rates", jsonBody(t, bad)), &lead)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rates := planning.DefaultRates()
	env.mock.ExpectBegin()
	for no := 1; no <= planning.ProcessCount; no++ {
		env.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO process_rates`)).
			WithArgs(no, rates[no]).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	env.mock.ExpectCommit()

	rr = env.do(t, httptest.NewRequest(http.MethodPut, "/api/process-rates", jsonBody(t, ratesBody{Rates: rates})), &lead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, access.AuditRatesChange, env.audit.last(t).Action)
}

func TestSetRates_RequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, httptest.NewRequest(http.MethodPut, "/api/process-rates", jsonBody(t, ratesBody{})), &viewer)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUpdateStep_ReturnsStoredRow(t *testing.T) {
	engineer := access.Principal{
		UserID: 6, Username: "engineer",
		Permissions: []access.Permission{access.PermPlanView, access.PermStepEdit},
		WorkshopIDs: []int64{1},
	}
	env := newTestEnv(t)
	env.acc.principals[engineer.UserID] = engineer

	expectPlanWorkshop(env.mock, 10, 1)
	env.mock.ExpectExec("UPDATE work_steps").
		WithArgs(int64(0), int64(0), "Attach collar", "SNLS", 0.5, int64(2), int64(5), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM work_steps WHERE id = ? AND plan_id = ?")).
		WithArgs(int64(5), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "plan_id", "seq", "name", "machine_type", "sam", "operators"}).
			AddRow(int64(5), int64(10), int64(4), "Attach collar", "SNLS", 0.5, int64(2)))

	req := httptest.NewRequest(http.MethodPut, "/api/plans/10/steps/5",
		jsonBody(t, map[string]any{"name": "  Attach collar ", "machine_type": "SNLS", "sam": 0.5, "operators": 2}))
	rr := env.do(t, req, &engineer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got planning.WorkStep
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, 4, got.Seq)
	assert.Equal(t, "Attach collar", got.Name)
	assert.Equal(t, int64(10), got.PlanID)
}
