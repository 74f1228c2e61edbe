package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"changeover-planner/internal/access"
	"changeover-planner/internal/config"
	"changeover-planner/internal/planning"
	"changeover-planner/internal/storage"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeAccounts struct {
	mu         sync.Mutex
	principals map[int64]access.Principal
	passwords  map[string]int64
	touched    []int64
}

func (f *fakeAccounts) Authenticate(_ context.Context, username, password string) (int64, error) {
	// The users table collation ignores case.
	if id, ok := f.passwords[strings.ToLower(username)+":"+password]; ok {
		return id, nil
	}
	return 0, access.ErrBadCredentials
}

func (f *fakeAccounts) Principal(_ context.Context, id int64) (access.Principal, error) {
	p, ok := f.principals[id]
	if !ok {
		return access.Principal{}, access.ErrNotFound
	}
	return p, nil
}

func (f *fakeAccounts) TouchLogin(_ context.Context, id int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeAccounts) ChangePassword(_ context.Context, id int64, oldPassword, _ string) error {
	if oldPassword != "old-pass1" {
		return access.ErrBadCredentials
	}
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []access.AuditEntry
}

func (a *recordingAudit) WriteAudit(_ context.Context, e access.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) last(t *testing.T) access.AuditEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.entries)
	return a.entries[len(a.entries)-1]
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Put(_ context.Context, _, name, _ string, r io.Reader) (storage.Object, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return storage.Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "obj-" + name
	m.objects[id] = b
	return storage.Object{ID: id, Name: name, Size: int64(len(b))}, nil
}

func (m *memStore) Get(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// Principals known to every test server.
var (
	planner = access.Principal{
		UserID: 2, Username: "planner",
		Permissions: []access.Permission{access.PermPlanView, access.PermFileUpload, access.PermProcessUpdate},
		WorkshopIDs: []int64{1},
	}
	viewer = access.Principal{
		UserID: 3, Username: "viewer",
		Permissions: []access.Permission{access.PermPlanView},
		WorkshopIDs: []int64{1},
	}
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	mock    sqlmock.Sqlmock
	store   *memStore
	audit   *recordingAudit
	acc     *fakeAccounts
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Server.BaseURL = "https://planner.example.com"
	cfg.Auth.SessionSecret = testSecret
	cfg.Auth.SessionTTL = time.Hour
	cfg.Auth.LockoutAttempts = 3
	cfg.Auth.LockoutDuration = 15 * time.Minute
	cfg.Upload.MaxBytes = 1 << 20
	cfg.Download.TokenTTL = 10 * time.Minute
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})

	now := func() time.Time { return fixedNow }
	store := newMemStore()
	log := zaptest.NewLogger(t)
	plans := planning.NewService(planning.NewRepo(conn), planning.Deps{Store: store, Log: log, Now: now})

	srv := New(Deps{
		Config:  testConfig(),
		Log:     log,
		MainDB:  conn,
		Plans:   plans,
		Access:  access.NewRepo(conn),
		Store:   store,
		Now:     now,
		Version: "test",
	})
	acc := &fakeAccounts{
		principals: map[int64]access.Principal{planner.UserID: planner, viewer.UserID: viewer},
		passwords:  map[string]int64{"planner:secret-pass1": planner.UserID},
	}
	audit := &recordingAudit{}
	srv.accounts = acc
	srv.auditLog = audit

	return &testEnv{srv: srv, handler: srv.Handler(), mock: mock, store: store, audit: audit, acc: acc}
}

func (e *testEnv) token(t *testing.T, p access.Principal) string {
	t.Helper()
	tok, _, err := e.srv.sessions.issue(p.UserID)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, req *http.Request, as *access.Principal) *httptest.ResponseRecorder {
	t.Helper()
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *as))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(strings.NewReader(rr.Body.String())).Decode(&body))
	return body.Error
}
