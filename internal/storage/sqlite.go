package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite metadata store.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
// Every write transaction begins IMMEDIATE, so tree mutations are serialized
// by the database as well as by the engine's node locks.
func NewDB(path string) (*DB, error) {
	dsn := path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS blobs (
    ref TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    refcount INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind INTEGER NOT NULL,
    content_ref TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    mime_hint TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    FOREIGN KEY (parent_id) REFERENCES nodes(id) ON DELETE CASCADE,
    FOREIGN KEY (content_ref) REFERENCES blobs(ref),
    CHECK (kind = 0 OR content_ref IS NULL)
);

CREATE TABLE IF NOT EXISTS shares (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    password_hash TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (file_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_name ON nodes(owner_id, IFNULL(parent_id, ''), name);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_content ON nodes(content_ref);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_shares_file ON shares(file_id);`
	_, err := d.db.Exec(schema)
	return err
}

// withTx runs fn inside a write transaction. Errors returned by fn are passed
// through unchanged; begin/commit failures are storage I/O errors.
func (d *DB) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return ioError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioError(op, err)
	}
	return nil
}

// notFoundOr maps sql.ErrNoRows to ErrNotFound and anything else to a
// storage I/O error.
func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return ioError(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- User CRUD ---

// CreateUser inserts a new user. A taken id or email yields ErrConflict.
func (d *DB) CreateUser(u *User) error {
	_, err := d.db.Exec(
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user: %w", ErrConflict)
	}
	if err != nil {
		return ioError("create user", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (d *DB) GetUser(id string) (*User, error) {
	u := &User{}
	err := d.db.QueryRow(
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, notFoundOr("get user", err)
	}
	return u, nil
}

// UserExists reports whether a user id or an email address is already taken.
func (d *DB) UserExists(id, email string) (idTaken, emailTaken bool, err error) {
	err = d.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?), EXISTS(SELECT 1 FROM users WHERE email = ?)`,
		id, email,
	).Scan(&idTaken, &emailTaken)
	if err != nil {
		return false, false, ioError("user exists", err)
	}
	return idTaken, emailTaken, nil
}

// --- Session CRUD ---

// CreateSession inserts a new session record.
func (d *DB) CreateSession(s *Session) error {
	_, err := d.db.Exec(
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.UserID, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return ioError("create session", err)
	}
	return nil
}

// GetSession retrieves a session by ID, expired or not.
func (d *DB) GetSession(id string) (*Session, error) {
	s := &Session{}
	err := d.db.QueryRow(
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, notFoundOr("get session", err)
	}
	return s, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (d *DB) DeleteSession(id string) error {
	if _, err := d.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return ioError("delete session", err)
	}
	return nil
}

// PruneSessions deletes sessions that expired before now and returns how many
// were removed.
func (d *DB) PruneSessions(now int64) (int, error) {
	res, err := d.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, ioError("prune sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioError("prune sessions rows affected", err)
	}
	return int(n), nil
}

// --- Share CRUD ---

// CreateShare inserts a new share record.
func (d *DB) CreateShare(s *Share) error {
	_, err := d.db.Exec(
		`INSERT INTO shares (id, file_id, owner_id, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.FileID, s.OwnerID, nullString(s.PasswordHash), s.CreatedAt,
	)
	if err != nil {
		return ioError("create share", err)
	}
	return nil
}

// GetShare retrieves a share by ID.
func (d *DB) GetShare(id string) (*Share, error) {
	s := &Share{}
	var hash sql.NullString
	err := d.db.QueryRow(
		`SELECT id, file_id, owner_id, password_hash, created_at FROM shares WHERE id = ?`, id,
	).Scan(&s.ID, &s.FileID, &s.OwnerID, &hash, &s.CreatedAt)
	if err != nil {
		return nil, notFoundOr("get share", err)
	}
	s.PasswordHash = hash.String
	return s, nil
}

// ListSharesForFile returns all shares pointing at a node.
func (d *DB) ListSharesForFile(fileID string) ([]Share, error) {
	rows, err := d.db.Query(
		`SELECT id, file_id, owner_id, password_hash, created_at FROM shares WHERE file_id = ? ORDER BY created_at, id`, fileID,
	)
	if err != nil {
		return nil, ioError("list shares for file", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		var s Share
		var hash sql.NullString
		if err := rows.Scan(&s.ID, &s.FileID, &s.OwnerID, &hash, &s.CreatedAt); err != nil {
			return nil, ioError("scan share", err)
		}
		s.PasswordHash = hash.String
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// DeleteShare removes a share owned by ownerID.
func (d *DB) DeleteShare(ownerID, id string) error {
	res, err := d.db.Exec(`DELETE FROM shares WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return ioError("delete share", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioError("delete share rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("delete share: %w", ErrNotFound)
	}
	return nil
}
