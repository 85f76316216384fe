// internal/storage/models.go
package storage

// NodeKind distinguishes files from directories.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

func (k NodeKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Node is one entry of a user's file tree. ParentID "" means the owner's
// root. Directories never carry a ContentRef.
type Node struct {
	ID         string   `json:"id"`
	ParentID   string   `json:"parent_id,omitempty"`
	OwnerID    string   `json:"owner_id"`
	Name       string   `json:"name"`
	Kind       NodeKind `json:"kind"`
	ContentRef string   `json:"-"`
	Size       int64    `json:"size"`
	MimeHint   string   `json:"mime_hint,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	ModifiedAt int64    `json:"modified_at"`
}

// IsDir reports whether n is a directory (the synthetic root included).
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// IsRoot reports whether n is the synthetic root of an owner's tree.
func (n *Node) IsRoot() bool { return n.ID == "" }

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

type Session struct {
	ID        string `json:"-"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// Share is a tokenized link to one node. PasswordHash is "" when the share
// is not password protected.
type Share struct {
	ID           string `json:"id"`
	FileID       string `json:"file_id"`
	OwnerID      string `json:"owner_id"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

// HasPassword reports whether resolving the share requires a password.
func (s *Share) HasPassword() bool { return s.PasswordHash != "" }
