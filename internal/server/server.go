package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
	"changeover-planner/internal/config"
	"changeover-planner/internal/equipment"
	"changeover-planner/internal/erp"
	"changeover-planner/internal/planning"
	"changeover-planner/internal/staff"
	"changeover-planner/internal/storage"
)

// accounts is the part of the access repo that authentication needs.
type accounts interface {
	Authenticate(ctx context.Context, username, password string) (int64, error)
	Principal(ctx context.Context, userID int64) (access.Principal, error)
	TouchLogin(ctx context.Context, id int64, at time.Time) error
	ChangePassword(ctx context.Context, id int64, oldPassword, newPassword string) error
}

type auditWriter interface {
	WriteAudit(ctx context.Context, e access.AuditEntry) error
}

// Deps are the collaborators of a Server. Equipment, Staff, ERP and Store
// may be unconfigured.
type Deps struct {
	Config    config.Config
	Log       *zap.Logger
	Metrics   *Metrics
	MainDB    *sql.DB
	Plans     *planning.Service
	Access    *access.Repo
	Equipment *equipment.Repo
	Staff     *staff.Directory
	ERP       *erp.Client
	Store     storage.Store
	Now       func() time.Time
	Version   string
}

type Server struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  *Metrics
	db       *sql.DB
	plans    *planning.Service
	access   *access.Repo
	accounts accounts
	auditLog auditWriter
	machines *equipment.Repo
	staff    *staff.Directory
	erp      *erp.Client
	store    storage.Store
	now      func() time.Time
	version  string

	sessions sessionCodec
	links    linkSigner
	lockout  *AccountLockout
	limiter  *EndpointRateLimiter
	proxies  proxyTrust

	httpServer *http.Server
}

func New(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		log:      deps.Log,
		metrics:  deps.Metrics,
		db:       deps.MainDB,
		plans:    deps.Plans,
		access:   deps.Access,
		accounts: deps.Access,
		auditLog: deps.Access,
		machines: deps.Equipment,
		staff:    deps.Staff,
		erp:      deps.ERP,
		store:    deps.Store,
		now:      deps.Now,
		version:  deps.Version,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}

	auth := s.cfg.Auth
	s.sessions = sessionCodec{secret: []byte(auth.SessionSecret), ttl: auth.SessionTTL, now: s.nowUTC}
	s.links = linkSigner{secret: []byte(auth.SessionSecret), now: s.nowUTC}
	s.lockout = NewAccountLockout(auth.LockoutAttempts, auth.LockoutDuration, 10*time.Minute)
	s.lockout.now = s.now
	s.limiter = NewEndpointRateLimiter(DefaultEndpointRateLimitConfig(), s.log)
	var invalid []string
	s.proxies, invalid = newProxyTrust(s.cfg.Server.TrustedProxies)
	if len(invalid) > 0 {
		s.log.Warn("ignoring_trusted_proxies", zap.Strings("entries", invalid))
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) nowUTC() time.Time { return s.now().UTC() }

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	h = s.limiter.Middleware(h)
	h = compressionMiddleware(h)
	h = corsMiddleware(s.cfg.Server.CORSOrigin)(h)
	h = securityHeadersMiddleware(s.cfg.Server.Env == "production")(h)
	h = accessLogMiddleware(s.log, s.metrics)(h)
	h = clientIPMiddleware(s.proxies)(h)
	h = requestIDMiddleware(h)
	return h
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ready", s.HandleReady)
	mux.HandleFunc("GET /live", s.HandleLive)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("GET /api/auth/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("POST /api/auth/password", s.requireAuth(s.handleChangePassword))

	mux.HandleFunc("GET /api/processes", s.requireAuth(s.handleProcessCatalogue))
	mux.HandleFunc("GET /api/dashboard", s.requirePermission(access.PermPlanView, s.handleDashboard))
	mux.HandleFunc("GET /api/plans", s.requirePermission(access.PermPlanView, s.handleListPlans))
	mux.HandleFunc("GET /api/plans/export.xlsx", s.requirePermission(access.PermExport, s.handleExport))
	mux.HandleFunc("POST /api/plans", s.requirePermission(access.PermPlanCreate, s.handleCreatePlan))
	mux.HandleFunc("GET /api/plans/{id}", s.requirePermission(access.PermPlanView, s.handleGetPlan))
	mux.HandleFunc("PUT /api/plans/{id}", s.requirePermission(access.PermPlanEdit, s.handleUpdatePlan))
	mux.HandleFunc("DELETE /api/plans/{id}", s.requirePermission(access.PermPlanDelete, s.handleDeletePlan))
	mux.HandleFunc("PUT /api/plans/{id}/processes/{no}", s.requirePermission(access.PermProcessUpdate, s.handleUpdateProcess))
	mux.HandleFunc("POST /api/plans/{id}/processes/{no}/files", s.requirePermission(access.PermFileUpload, s.handleUpload))

	mux.HandleFunc("GET /api/plans/{id}/steps", s.requirePermission(access.PermPlanView, s.handleListSteps))
	mux.HandleFunc("POST /api/plans/{id}/steps", s.requirePermission(access.PermStepEdit, s.handleCreateStep))
	mux.HandleFunc("POST /api/plans/{id}/steps/import", s.requirePermission(access.PermStepEdit, s.handleImportSteps))
	mux.HandleFunc("PUT /api/plans/{id}/steps/{stepID}", s.requirePermission(access.PermStepEdit, s.handleUpdateStep))
	mux.HandleFunc("DELETE /api/plans/{id}/steps/{stepID}", s.requirePermission(access.PermStepEdit, s.handleDeleteStep))
	mux.HandleFunc("GET /api/process-rates", s.requirePermission(access.PermPlanView, s.handleGetRates))
	mux.HandleFunc("PUT /api/process-rates", s.requirePermission(access.PermRatesEdit, s.handleSetRates))

	mux.HandleFunc("DELETE /api/files/{fileID}", s.requirePermission(access.PermFileDelete, s.handleDeleteFile))
	mux.HandleFunc("POST /api/files/{fileID}/link", s.requirePermission(access.PermPlanView, s.handleCreateLink))
	mux.HandleFunc("GET /download", s.handleDownload)

	mux.HandleFunc("GET /api/machines", s.requirePermission(access.PermMachineView, s.handleListMachines))
	mux.HandleFunc("GET /api/plans/{id}/machine-check", s.requirePermission(access.PermMachineView, s.handleMachineCheck))
	mux.HandleFunc("GET /api/employees", s.requirePermission(access.PermEmployeeView, s.handleSearchEmployees))
	mux.HandleFunc("GET /api/erp/lines", s.requirePermission(access.PermERPView, s.handleERPLines))
	mux.HandleFunc("GET /api/erp/styles", s.requirePermission(access.PermERPView, s.handleERPStyles))
	mux.HandleFunc("GET /api/erp/styles/{code}/operations", s.requirePermission(access.PermERPView, s.handleERPOperations))

	mux.HandleFunc("GET /api/workshops", s.requireAuth(s.handleOwnWorkshops))

	mux.HandleFunc("GET /api/admin/users", s.requirePermission(access.PermAdminUsers, s.handleListUsers))
	mux.HandleFunc("POST /api/admin/users", s.requirePermission(access.PermAdminUsers, s.handleCreateUser))
	mux.HandleFunc("GET /api/admin/users/{id}", s.requirePermission(access.PermAdminUsers, s.handleGetUser))
	mux.HandleFunc("PUT /api/admin/users/{id}", s.requirePermission(access.PermAdminUsers, s.handleUpdateUser))
	mux.HandleFunc("POST /api/admin/users/{id}/password", s.requirePermission(access.PermAdminUsers, s.handleResetPassword))
	mux.HandleFunc("PUT /api/admin/users/{id}/roles", s.requirePermission(access.PermAdminUsers, s.handleSetUserRoles))
	mux.HandleFunc("PUT /api/admin/users/{id}/permissions", s.requirePermission(access.PermAdminUsers, s.handleSetUserPermissions))
	mux.HandleFunc("PUT /api/admin/users/{id}/workshops", s.requirePermission(access.PermAdminUsers, s.handleSetUserWorkshops))

	mux.HandleFunc("GET /api/admin/roles", s.requirePermission(access.PermAdminRoles, s.handleListRoles))
	mux.HandleFunc("POST /api/admin/roles", s.requirePermission(access.PermAdminRoles, s.handleCreateRole))
	mux.HandleFunc("GET /api/admin/roles/{id}", s.requirePermission(access.PermAdminRoles, s.handleGetRole))
	mux.HandleFunc("PUT /api/admin/roles/{id}", s.requirePermission(access.PermAdminRoles, s.handleUpdateRole))
	mux.HandleFunc("DELETE /api/admin/roles/{id}", s.requirePermission(access.PermAdminRoles, s.handleDeleteRole))
	mux.HandleFunc("GET /api/admin/permissions", s.requirePermission(access.PermAdminRoles, s.handlePermissionCatalogue))

	mux.HandleFunc("GET /api/admin/workshops", s.requirePermission(access.PermAdminWorkshops, s.handleListWorkshops))
	mux.HandleFunc("POST /api/admin/workshops", s.requirePermission(access.PermAdminWorkshops, s.handleCreateWorkshop))
	mux.HandleFunc("PUT /api/admin/workshops/{id}", s.requirePermission(access.PermAdminWorkshops, s.handleUpdateWorkshop))
	mux.HandleFunc("DELETE /api/admin/workshops/{id}", s.requirePermission(access.PermAdminWorkshops, s.handleDeleteWorkshop))

	mux.HandleFunc("POST /api/admin/cleanup", s.requirePermission(access.PermAdminUsers, s.handleManualCleanup))
	mux.HandleFunc("GET /api/admin/audit", s.requirePermission(access.PermAuditView, s.handleListAudit))

	return mux
}

// Start serves until Shutdown. The rate limiter sweeper stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	go s.limiter.Run(ctx)
	go runSweeper(ctx, time.Minute, s.lockout.sweep)
	s.log.Info("http_listening", zap.String("addr", ln.Addr().String()))
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Responses.

type errorBody struct {
	Error string `json:"error"`
}

var allWorkshops = planning.Scope{All: true}

// errBadRequest marks malformed input caught by the HTTP layer itself.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, planning.ErrInvalid),
		errors.Is(err, access.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, planning.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, planning.ErrNotFound),
		errors.Is(err, access.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, planning.ErrConflict),
		errors.Is(err, planning.ErrProofMissing),
		errors.Is(err, planning.ErrOutOfSequence),
		errors.Is(err, access.ErrDuplicate),
		errors.Is(err, access.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, planning.ErrStore):
		return http.StatusBadGateway
	case errors.Is(err, erp.ErrUnavailable),
		errors.Is(err, erp.ErrCircuitOpen),
		errors.Is(err, equipment.ErrUnavailable),
		errors.Is(err, staff.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError responds with the mapped status. Server-side failures are
// logged and their details withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request_failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg})
}

const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return v, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid %s", errBadRequest, name)
}
