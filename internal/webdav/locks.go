package webdav

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLocked is returned when an exclusive lock already covers the path.
	ErrLocked = errors.New("webdav: resource locked")
	// ErrNoSuchLock is returned for tokens the table does not know.
	ErrNoSuchLock = errors.New("webdav: no such lock")
)

const (
	defaultLockTimeout = time.Hour
	maxLockTimeout     = 24 * time.Hour
)

// Lock is an advisory WebDAV lock. Writes are never refused because of one;
// the table only answers LOCK/UNLOCK and lockdiscovery.
type Lock struct {
	Token     string
	User      string
	Path      string
	Owner     string
	Exclusive bool
	Depth     string
	Expires   time.Time
}

// LockTable holds the active locks of every user in memory.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*Lock
	now   func() time.Time
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*Lock), now: time.Now}
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLockTimeout
	}
	if d > maxLockTimeout {
		return maxLockTimeout
	}
	return d
}

// Create grants a new lock. An exclusive lock conflicts with any live lock
// on the same path; a shared lock conflicts only with an exclusive one.
func (t *LockTable) Create(l Lock, timeout time.Duration) (Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for tok, held := range t.locks {
		if !held.Expires.After(now) {
			delete(t.locks, tok)
			continue
		}
		if held.User == l.User && held.Path == l.Path && (held.Exclusive || l.Exclusive) {
			return Lock{}, ErrLocked
		}
	}
	l.Token = "opaquelocktoken:" + uuid.NewString()
	l.Expires = now.Add(clampTimeout(timeout))
	t.locks[l.Token] = &l
	return l, nil
}

// Refresh extends a live lock held by user.
func (t *LockTable) Refresh(user, token string, timeout time.Duration) (Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[token]
	if !ok || l.User != user || !l.Expires.After(t.now()) {
		return Lock{}, ErrNoSuchLock
	}
	l.Expires = t.now().Add(clampTimeout(timeout))
	return *l, nil
}

// Remove drops the lock token held by user.
func (t *LockTable) Remove(user, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[token]
	if !ok || l.User != user {
		return ErrNoSuchLock
	}
	delete(t.locks, token)
	return nil
}

// Find returns the live locks user holds on path.
func (t *LockTable) Find(user, path string) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []Lock
	for _, l := range t.locks {
		if l.User == user && l.Path == path && l.Expires.After(now) {
			out = append(out, *l)
		}
	}
	return out
}

// RemoveTree drops every lock user holds on path or below it. Called once
// the resource is gone.
func (t *LockTable) RemoveTree(user, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	for tok, l := range t.locks {
		if l.User == user && (l.Path == path || strings.HasPrefix(l.Path, prefix)) {
			delete(t.locks, tok)
		}
	}
}

// Prune removes expired locks and returns how many went.
func (t *LockTable) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for tok, l := range t.locks {
		if !l.Expires.After(now) {
			delete(t.locks, tok)
			n++
		}
	}
	return n
}
