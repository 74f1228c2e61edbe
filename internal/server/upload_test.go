package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changeover-planner/internal/access"
	"changeover-planner/internal/planning"
)

func multipartBody(t *testing.T, filename, contentType string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = io.Copy(part, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func multipartUpload(t *testing.T, url, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, filename, contentType, content)
	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", ct)
	return req
}

func expectPlanWorkshop(mock sqlmock.Sqlmock, planID, workshopID int64) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT workshop_id FROM plans WHERE id = ?`)).
		WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"workshop_id"}).AddRow(workshopID))
}

func TestUpload_Stored(t *testing.T) {
	env := newTestEnv(t)
	expectPlanWorkshop(env.mock, 10, 1)
	env.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO process_files`)).
		WithArgs(sqlmock.AnyArg(), 10, 3, "a3", "a3-board.pdf", "application/pdf",
			planning.FileStatusPending, planner.UserID, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(regexp.QuoteMeta(`UPDATE process_files SET status = ?, remote_id = ?, size_bytes = ?, sha256 = ?`)).
		WithArgs(planning.FileStatusStored, "obj-a3-board.pdf", 5, sqlmock.AnyArg(), sqlmock.AnyArg(), planning.FileStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := multipartUpload(t, "/api/plans/10/processes/3/files?kind=A3", "a3-board.pdf", "application/pdf", []byte("proof"))
	rr := env.do(t, req, &planner)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var f planning.ProcessFile
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&f))
	assert.Equal(t, planning.FileStatusStored, f.Status)
	assert.Equal(t, int64(5), f.SizeBytes)
	assert.Len(t, f.SHA256, 64)
	assert.Equal(t, []byte("proof"), env.store.objects["obj-a3-board.pdf"])

	last := env.audit.last(t)
	assert.Equal(t, access.AuditFileUpload, last.Action)
	assert.True(t, last.Success)
	assert.Equal(t, "plan:10", last.Resource)
}

func TestUpload_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		file   string
		ct     string
		status int
	}{
		{"missing kind", "/api/plans/10/processes/3/files", "a.pdf", "application/pdf", http.StatusBadRequest},
		{"bad process number", "/api/plans/10/processes/x/files?kind=a3", "a.pdf", "application/pdf", http.StatusBadRequest},
		{"bad plan id", "/api/plans/0/processes/3/files?kind=a3", "a.pdf", "application/pdf", http.StatusBadRequest},
		{"executable", "/api/plans/10/processes/3/files?kind=documentation", "run.exe", "application/octet-stream", http.StatusUnsupportedMediaType},
		{"type mismatch", "/api/plans/10/processes/3/files?kind=documentation", "a.pdf", "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(t, multipartUpload(t, tc.url, tc.file, tc.ct, []byte("x")), &planner)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestUpload_MissingFilePart(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "value"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/plans/10/processes/3/files?kind=a3", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := env.do(t, req, &planner)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "missing file", decodeError(t, rr))
}

func TestUpload_NotMultipart(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/plans/10/processes/3/files?kind=a3", bytes.NewReader([]byte("raw")))
	req.Header.Set("Content-Type", "application/pdf")
	assert.Equal(t, http.StatusBadRequest, env.do(t, req, &planner).Code)
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	expectPlanWorkshop(env.mock, 10, 1)
	env.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO process_files`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(regexp.QuoteMeta(`UPDATE process_files SET status = ? WHERE id = ?`)).
		WithArgs(planning.FileStatusFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	big := bytes.Repeat([]byte("a"), (1<<20)+4096)
	rr := env.do(t, multipartUpload(t, "/api/plans/10/processes/3/files?kind=a3", "big.pdf", "application/pdf", big), &planner)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	assert.False(t, env.audit.last(t).Success)
}

func TestUpload_OutsideWorkshop(t *testing.T) {
	env := newTestEnv(t)
	expectPlanWorkshop(env.mock, 10, 7)

	rr := env.do(t, multipartUpload(t, "/api/plans/10/processes/3/files?kind=a3", "a.pdf", "application/pdf", []byte("x")), &planner)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUpload_RequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, multipartUpload(t, "/api/plans/10/processes/3/files?kind=a3", "a.pdf", "application/pdf", []byte("x")), &viewer)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
