// Package session handles user accounts, cookie sessions and share links.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/cellar/internal/crypto"
	"github.com/ssd-technologies/cellar/internal/storage"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"
)

var (
	ErrAuth              = errors.New("invalid credentials")
	ErrUserExists        = errors.New("user id already taken")
	ErrEmailExists       = errors.New("email address already taken")
	ErrShareNotFound     = errors.New("share not found")
	ErrPasswordRequired  = errors.New("share password required")
	ErrPasswordIncorrect = errors.New("share password incorrect")
)

const (
	// DefaultLifetime is how long a login session stays valid.
	DefaultLifetime = 48 * time.Hour

	tokenBytes     = 32
	basicCacheTTL  = 5 * time.Minute
	basicCacheSize = 1024
)

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	Lifetime    time.Duration
	BcryptCost  int
	ShareParams crypto.Params
}

// Manager owns login sessions and share links. Both are persisted in the
// metadata store; share targets are resolved through the file tree.
type Manager struct {
	db          *storage.DB
	tree        *storage.Engine
	lifetime    time.Duration
	bcryptCost  int
	shareParams crypto.Params
	now         func() time.Time

	mu    sync.Mutex
	basic map[string]basicEntry
}

type basicEntry struct {
	userID  string
	expires time.Time
}

// NewManager creates a Manager over db and tree.
func NewManager(db *storage.DB, tree *storage.Engine, opts Options) *Manager {
	m := &Manager{
		db:          db,
		tree:        tree,
		lifetime:    opts.Lifetime,
		bcryptCost:  opts.BcryptCost,
		shareParams: opts.ShareParams,
		now:         time.Now,
		basic:       make(map[string]basicEntry),
	}
	if m.lifetime <= 0 {
		m.lifetime = DefaultLifetime
	}
	if m.bcryptCost == 0 {
		m.bcryptCost = bcrypt.DefaultCost
	}
	if m.shareParams == (crypto.Params{}) {
		m.shareParams = crypto.DefaultParams
	}
	return m
}

// Lifetime is the validity period of new sessions.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// --- Accounts ---

// Register creates a user account. The user id doubles as the display name.
func (m *Manager) Register(userID, email, password string) (*storage.User, error) {
	idTaken, emailTaken, err := m.db.UserExists(userID, email)
	if err != nil {
		return nil, err
	}
	if idTaken {
		return nil, ErrUserExists
	}
	if emailTaken {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &storage.User{
		ID:           userID,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    m.now().Unix(),
	}
	if err := m.db.CreateUser(u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

// checkPassword returns ErrAuth for unknown users and wrong passwords alike.
func (m *Manager) checkPassword(userID, password string) (*storage.User, error) {
	u, err := m.db.GetUser(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAuth
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrAuth
	}
	return u, nil
}

// --- Sessions ---

// Login verifies the credentials and opens a new session.
func (m *Manager) Login(userID, password string) (*storage.Session, error) {
	u, err := m.checkPassword(userID, password)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &storage.Session{
		ID:        crypto.NewToken(tokenBytes),
		UserID:    u.ID,
		ExpiresAt: now.Add(m.lifetime).Unix(),
		CreatedAt: now.Unix(),
	}
	if err := m.db.CreateSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate returns the user behind sessionID. Unknown and expired sessions
// both report ok=false; an expired session is deleted on sight.
func (m *Manager) Validate(sessionID string) (userID string, ok bool) {
	if sessionID == "" {
		return "", false
	}
	s, err := m.db.GetSession(sessionID)
	if err != nil {
		return "", false
	}
	if s.ExpiresAt <= m.now().Unix() {
		m.db.DeleteSession(sessionID)
		return "", false
	}
	return s.UserID, true
}

// Logout destroys a session. Unknown ids are ignored.
func (m *Manager) Logout(sessionID string) error {
	return m.db.DeleteSession(sessionID)
}

// BasicAuth checks HTTP Basic credentials. Successful checks are cached
// under a hash of the credential pair so WebDAV clients, which send
// credentials on every request, do not pay for bcrypt each time.
func (m *Manager) BasicAuth(userID, password string) (string, bool) {
	sum := sha3.Sum256([]byte(userID + "\x00" + password))
	key := hex.EncodeToString(sum[:])
	now := m.now()

	m.mu.Lock()
	if e, ok := m.basic[key]; ok && now.Before(e.expires) {
		m.mu.Unlock()
		return e.userID, true
	}
	m.mu.Unlock()

	u, err := m.checkPassword(userID, password)
	if err != nil {
		return "", false
	}

	m.mu.Lock()
	if len(m.basic) >= basicCacheSize {
		for k, e := range m.basic {
			if !now.Before(e.expires) {
				delete(m.basic, k)
			}
		}
		if len(m.basic) >= basicCacheSize {
			m.basic = make(map[string]basicEntry)
		}
	}
	m.basic[key] = basicEntry{userID: u.ID, expires: now.Add(basicCacheTTL)}
	m.mu.Unlock()
	return u.ID, true
}

// PruneExpired removes expired sessions and stale Basic-auth cache entries.
func (m *Manager) PruneExpired() (int, error) {
	now := m.now()
	m.mu.Lock()
	for k, e := range m.basic {
		if !now.Before(e.expires) {
			delete(m.basic, k)
		}
	}
	m.mu.Unlock()
	return m.db.PruneSessions(now.Unix())
}

// --- Shares ---

// CreateShare issues a share link for a node the owner holds. A non-empty
// password is stored as a salted argon2id hash.
func (m *Manager) CreateShare(ownerID, fileID, password string) (*storage.Share, error) {
	n, err := m.tree.Get(ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("share root: %w", storage.ErrNotFound)
	}
	s := &storage.Share{
		ID:        "s" + crypto.NewToken(16),
		FileID:    n.ID,
		OwnerID:   ownerID,
		CreatedAt: m.now().Unix(),
	}
	if password != "" {
		s.PasswordHash = crypto.HashPassword(password, m.shareParams)
	}
	if err := m.db.CreateShare(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListShares returns the share links issued for one of the owner's nodes,
// oldest first.
func (m *Manager) ListShares(ownerID, fileID string) ([]storage.Share, error) {
	n, err := m.tree.Get(ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, nil
	}
	return m.db.ListSharesForFile(n.ID)
}

// RevokeShare deletes a share link. Only the owner that issued it may.
func (m *Manager) RevokeShare(ownerID, shareID string) error {
	err := m.db.DeleteShare(ownerID, shareID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrShareNotFound
	}
	return err
}

func (m *Manager) lookupShare(shareID string) (*storage.Share, error) {
	s, err := m.db.GetShare(shareID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func checkSharePassword(s *storage.Share, password string) error {
	if !s.HasPassword() {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if !crypto.VerifyPassword(password, s.PasswordHash) {
		return ErrPasswordIncorrect
	}
	return nil
}

// ResolveShare returns the node a share points at. Missing or wrong
// passwords yield ErrPasswordRequired or ErrPasswordIncorrect, never
// ErrShareNotFound.
func (m *Manager) ResolveShare(shareID, password string) (*storage.Node, error) {
	s, err := m.lookupShare(shareID)
	if err != nil {
		return nil, err
	}
	if err := checkSharePassword(s, password); err != nil {
		return nil, err
	}
	n, err := m.tree.GetNode(s.FileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrShareNotFound
	}
	return n, err
}

// Details describes a share without exposing the target to callers that
// have not supplied the password.
type Details struct {
	Name             string `json:"name,omitempty"`
	Size             int64  `json:"size,omitempty"`
	PasswordRequired bool   `json:"password_required"`
}

// ShareDetails reports the target name and whether a password is needed.
// The returned error is nil, ErrPasswordRequired or ErrPasswordIncorrect
// when the share exists; Details is filled in all three cases.
func (m *Manager) ShareDetails(shareID, password string) (*Details, error) {
	s, err := m.lookupShare(shareID)
	if err != nil {
		return nil, err
	}
	d := &Details{PasswordRequired: s.HasPassword()}
	if err := checkSharePassword(s, password); err != nil {
		return d, err
	}
	n, err := m.tree.GetNode(s.FileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Name = n.Name
	d.Size = n.Size
	return d, nil
}
