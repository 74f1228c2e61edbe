// lockout.go - Account lockout after repeated failed logins.
package server

import (
	"strings"
	"sync"
	"time"
)

type loginAttempt struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// AccountLockout locks a username after maxAttempts failures inside window.
// Usernames are compared case-insensitively, matching the users table
// collation.
type AccountLockout struct {
	mu              sync.Mutex
	attempts        map[string]*loginAttempt
	maxAttempts     int
	lockoutDuration time.Duration
	window          time.Duration
	now             func() time.Time
}

func NewAccountLockout(maxAttempts int, lockoutDuration, window time.Duration) *AccountLockout {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &AccountLockout{
		attempts:        make(map[string]*loginAttempt),
		maxAttempts:     maxAttempts,
		lockoutDuration: lockoutDuration,
		window:          window,
		now:             time.Now,
	}
}

// RecordFailure counts a failed attempt and reports whether the account is
// now locked.
func (al *AccountLockout) RecordFailure(username string) (bool, time.Time) {
	username = lockKey(username)
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	a, ok := al.attempts[username]
	if !ok {
		a = &loginAttempt{}
		al.attempts[username] = a
	}
	if now.Sub(a.lastAttempt) > al.window {
		a.count = 0
	}
	a.count++
	a.lastAttempt = now

	if a.count >= al.maxAttempts {
		a.lockedUntil = now.Add(al.lockoutDuration)
		return true, a.lockedUntil
	}
	return false, time.Time{}
}

func (al *AccountLockout) RecordSuccess(username string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.attempts, lockKey(username))
}

// Locked reports whether username is locked and until when.
func (al *AccountLockout) Locked(username string) (bool, time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()
	a, ok := al.attempts[lockKey(username)]
	if !ok {
		return false, time.Time{}
	}
	if !a.lockedUntil.IsZero() && al.now().Before(a.lockedUntil) {
		return true, a.lockedUntil
	}
	return false, time.Time{}
}

// sweep removes entries whose lock has expired and that saw no attempt for
// two windows.
func (al *AccountLockout) sweep() {
	al.mu.Lock()
	defer al.mu.Unlock()
	now := al.now()
	for name, a := range al.attempts {
		if (a.lockedUntil.IsZero() || now.After(a.lockedUntil)) && now.Sub(a.lastAttempt) > 2*al.window {
			delete(al.attempts, name)
		}
	}
}

func lockKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
