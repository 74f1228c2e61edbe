// auth.go - Stateless session tokens and authentication handlers.
//
// Tokens are HMAC-signed "payload.signature" strings carried in a cookie or
// a Bearer header. The principal is reloaded from the database on every
// request.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
)

const sessionCookie = "planner_session"

var (
	errBadSession     = errors.New("invalid session")
	errSessionExpired = errors.New("session expired")
)

type sessionPayload struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
}

type sessionCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (c sessionCodec) lifetime() time.Duration {
	if c.ttl <= 0 {
		return 12 * time.Hour
	}
	return c.ttl
}

func signPayload(secret []byte, msg string) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

// issue returns "payload.signature" for the user.
func (c sessionCodec) issue(userID int64) (string, time.Time, error) {
	exp := c.now().Add(c.lifetime())
	b, err := json.Marshal(sessionPayload{Sub: strconv.FormatInt(userID, 10), Exp: exp.Unix()})
	if err != nil {
		return "", time.Time{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + signPayload(c.secret, payload), exp, nil
}

// verify checks the signature and expiry and returns the user id.
func (c sessionCodec) verify(tok string) (int64, error) {
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || payload == "" || sig == "" {
		return 0, errBadSession
	}
	if !hmac.Equal([]byte(sig), []byte(signPayload(c.secret, payload))) {
		return 0, errBadSession
	}
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return 0, errBadSession
	}
	var p sessionPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return 0, errBadSession
	}
	if p.Exp <= c.now().Unix() {
		return 0, errSessionExpired
	}
	id, err := strconv.ParseInt(p.Sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadSession
	}
	return id, nil
}

// sessionToken prefers the Authorization header over the cookie.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the caller set by requireAuth.
func principalFrom(ctx context.Context) access.Principal {
	p, _ := ctx.Value(principalKey{}).(access.Principal)
	return p
}

func (s *Server) unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="planner"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: msg})
}

// requireAuth loads the principal behind the session token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := sessionToken(r)
		if tok == "" {
			s.unauthorized(w, "authentication required")
			return
		}
		id, err := s.sessions.verify(tok)
		if err != nil {
			s.unauthorized(w, err.Error())
			return
		}
		p, err := s.accounts.Principal(r.Context(), id)
		if errors.Is(err, access.ErrNotFound) {
			s.unauthorized(w, "account disabled")
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)))
	}
}

// requirePermission is requireAuth plus a permission check.
func (s *Server) requirePermission(perm access.Permission, next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).Has(perm) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "missing permission " + perm})
			return
		}
		next(w, r)
	})
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      access.Principal `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	username := strings.TrimSpace(body.Username)
	entry := access.AuditEntry{Action: access.AuditLogin, Username: username}

	if locked, until := s.lockout.Locked(username); locked {
		s.metrics.RecordLogin("locked")
		entry.ErrorMsg = "account locked"
		s.audit(r, entry)
		retry := int(until.Sub(s.now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many failed attempts, try again later"})
		return
	}

	id, err := s.accounts.Authenticate(r.Context(), username, body.Password)
	if errors.Is(err, access.ErrBadCredentials) {
		if locked, until := s.lockout.RecordFailure(username); locked {
			s.log.Warn("account_locked",
				zap.String("username", username),
				zap.String("ip", getClientIP(r)),
				zap.Time("until", until))
		}
		s.metrics.RecordLogin("failure")
		entry.ErrorMsg = err.Error()
		s.audit(r, entry)
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.metrics.RecordLogin("error")
		s.writeError(w, r, err)
		return
	}
	s.lockout.RecordSuccess(username)

	p, err := s.accounts.Principal(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, exp, err := s.sessions.issue(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.accounts.TouchLogin(r.Context(), id, s.now()); err != nil {
		s.log.Warn("touch_login_failed", zap.Int64("user_id", id), zap.Error(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.Server.Env == "production",
	})

	s.metrics.RecordLogin("success")
	entry.UserID = id
	entry.Success = true
	s.audit(r, entry)
	writeJSON(w, http.StatusOK, loginResponse{Token: tok, ExpiresAt: exp, User: p})
}

// handleLogout clears the cookie. Tokens are stateless, so a Bearer token
// stays valid until it expires.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.Server.Env == "production",
	})
	s.auditResult(r, access.AuditLogout, "", nil, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principalFrom(r.Context()))
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	err := s.accounts.ChangePassword(r.Context(), p.UserID, body.OldPassword, body.NewPassword)
	s.auditResult(r, access.AuditPasswordChange, "user:"+strconv.FormatInt(p.UserID, 10), nil, err)
	if errors.Is(err, access.ErrBadCredentials) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "current password is wrong"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
