package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	nodeCols  = `id, parent_id, owner_id, name, kind, content_ref, size, mime_hint, created_at, modified_at`
	nodeColsN = `n.id, n.parent_id, n.owner_id, n.name, n.kind, n.content_ref, n.size, n.mime_hint, n.created_at, n.modified_at`
)

// Engine is the file tree shared by the REST API and the WebDAV layer. Node
// metadata lives in SQLite, payloads in the BlobStore, and every blob row
// carries the number of nodes referencing it.
type Engine struct {
	db    *DB
	blobs *BlobStore
	locks keyLocks
}

// NewEngine combines a metadata store and a blob store.
func NewEngine(db *DB, blobs *BlobStore) *Engine {
	return &Engine{db: db, blobs: blobs}
}

func nodeKey(id string) string { return "node:" + id }

func parentKey(owner, parentID string) string { return "parent:" + owner + "/" + parentID }

func blobKey(ref string) string { return "blob:" + ref }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*Node, error) {
	n := &Node{}
	var parent, ref sql.NullString
	err := r.Scan(&n.ID, &parent, &n.OwnerID, &n.Name, &n.Kind, &ref,
		&n.Size, &n.MimeHint, &n.CreatedAt, &n.ModifiedAt)
	if err != nil {
		return nil, err
	}
	n.ParentID = parent.String
	n.ContentRef = ref.String
	return n, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func rootNode(owner string) *Node {
	return &Node{OwnerID: owner, Kind: KindDirectory}
}

func getNode(q querier, owner, id string) (*Node, error) {
	if id == "" {
		return rootNode(owner), nil
	}
	n, err := scanNode(q.QueryRow(
		`SELECT `+nodeCols+` FROM nodes WHERE id = ? AND owner_id = ?`, id, owner,
	))
	if err != nil {
		return nil, notFoundOr("get node", err)
	}
	return n, nil
}

// getDir fetches parentID and checks that it is a directory.
func getDir(q querier, owner, parentID string) (*Node, error) {
	p, err := getNode(q, owner, parentID)
	if err != nil {
		return nil, err
	}
	if !p.IsDir() {
		return nil, fmt.Errorf("parent %s: %w", parentID, ErrNotDirectory)
	}
	return p, nil
}

func childByName(q querier, owner, parentID, name string) (*Node, error) {
	n, err := scanNode(q.QueryRow(
		`SELECT `+nodeCols+` FROM nodes WHERE owner_id = ? AND IFNULL(parent_id, '') = ? AND name = ?`,
		owner, parentID, name,
	))
	if err != nil {
		return nil, notFoundOr("lookup child", err)
	}
	return n, nil
}

// isAncestorOrSelf reports whether ancestor appears on the parent chain of id,
// id included.
func isAncestorOrSelf(q querier, ancestor, id string) (bool, error) {
	if ancestor == "" || id == "" {
		return ancestor == "", nil
	}
	var found bool
	err := q.QueryRow(`
WITH RECURSIVE chain(id, parent_id) AS (
    SELECT id, parent_id FROM nodes WHERE id = ?
    UNION ALL
    SELECT n.id, n.parent_id FROM nodes n JOIN chain c ON n.id = c.parent_id
)
SELECT EXISTS(SELECT 1 FROM chain WHERE id = ?)`, id, ancestor).Scan(&found)
	if err != nil {
		return false, ioError("ancestor check", err)
	}
	return found, nil
}

// subtreeRefs counts the blob references held by id and its descendants.
func subtreeRefs(q querier, id string) (map[string]int, error) {
	rows, err := q.Query(`
WITH RECURSIVE sub(id) AS (
    SELECT id FROM nodes WHERE id = ?
    UNION ALL
    SELECT n.id FROM nodes n JOIN sub s ON n.parent_id = s.id
)
SELECT content_ref, COUNT(*) FROM nodes
WHERE id IN (SELECT id FROM sub) AND content_ref IS NOT NULL
GROUP BY content_ref`, id)
	if err != nil {
		return nil, ioError("subtree refs", err)
	}
	defer rows.Close()
	refs := make(map[string]int)
	for rows.Next() {
		var ref string
		var c int
		if err := rows.Scan(&ref, &c); err != nil {
			return nil, ioError("scan subtree refs", err)
		}
		refs[ref] = c
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("subtree refs", err)
	}
	return refs, nil
}

func incRef(tx *sql.Tx, ref string, size, now int64) error {
	_, err := tx.Exec(`
INSERT INTO blobs (ref, size, refcount, created_at) VALUES (?, ?, 1, ?)
ON CONFLICT(ref) DO UPDATE SET refcount = refcount + 1`, ref, size, now)
	if err != nil {
		return ioError("incref blob", err)
	}
	return nil
}

// decRefs drops the given reference counts and deletes blob rows that reach
// zero. The refs of deleted rows are returned so their files can be removed
// once the transaction commits.
func decRefs(tx *sql.Tx, refs map[string]int) ([]string, error) {
	var freed []string
	for ref, c := range refs {
		if _, err := tx.Exec(`UPDATE blobs SET refcount = refcount - ? WHERE ref = ?`, c, ref); err != nil {
			return nil, ioError("decref blob", err)
		}
		res, err := tx.Exec(`DELETE FROM blobs WHERE ref = ? AND refcount <= 0`, ref)
		if err != nil {
			return nil, ioError("drop blob row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			freed = append(freed, ref)
		}
	}
	return freed, nil
}

// deleteSubtree removes id and everything below it inside tx. Shares on the
// removed nodes go with them through the foreign key cascade.
func deleteSubtree(tx *sql.Tx, id string) ([]string, error) {
	refs, err := subtreeRefs(tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return nil, ioError("delete node", err)
	}
	return decRefs(tx, refs)
}

// DeleteBlobIfUnreferenced removes the blob file for ref unless a node still
// points at it. The check and the removal happen under the blob lock, so an
// upload committing the same content cannot lose its file.
func (e *Engine) DeleteBlobIfUnreferenced(ref string) (bool, error) {
	unlock := e.locks.lock(blobKey(ref))
	defer unlock()

	var referenced bool
	err := e.db.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM blobs WHERE ref = ?)`, ref).Scan(&referenced)
	if err != nil {
		return false, ioError("blob refcount", err)
	}
	if referenced {
		return false, nil
	}
	if err := e.blobs.Remove(ref); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) releaseBlobs(freed []string) {
	for _, ref := range freed {
		if _, err := e.DeleteBlobIfUnreferenced(ref); err != nil {
			log.Printf("[storage] remove blob %s: %v", ref, err)
		}
	}
}

// --- Reads ---

// Get returns the node id owned by owner. The empty id is the owner's root.
func (e *Engine) Get(owner, id string) (*Node, error) {
	return getNode(e.db.db, owner, id)
}

// GetNode returns a node regardless of owner. Used for share resolution.
func (e *Engine) GetNode(id string) (*Node, error) {
	if id == "" {
		return nil, fmt.Errorf("get node: %w", ErrNotFound)
	}
	n, err := scanNode(e.db.db.QueryRow(`SELECT `+nodeCols+` FROM nodes WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr("get node", err)
	}
	return n, nil
}

// Lookup resolves a path of names below the owner's root. No segments yields
// the root itself.
func (e *Engine) Lookup(owner string, segments []string) (*Node, error) {
	cur := rootNode(owner)
	for _, seg := range segments {
		if !cur.IsDir() {
			return nil, fmt.Errorf("lookup %q: %w", seg, ErrNotFound)
		}
		n, err := childByName(e.db.db, owner, cur.ID, seg)
		if err != nil {
			return nil, err
		}
		cur = n
	}
	return cur, nil
}

// ListChildren returns the direct children of parentID ordered by name.
func (e *Engine) ListChildren(owner, parentID string) ([]Node, error) {
	if _, err := getDir(e.db.db, owner, parentID); err != nil {
		return nil, err
	}
	rows, err := e.db.db.Query(
		`SELECT `+nodeCols+` FROM nodes WHERE owner_id = ? AND IFNULL(parent_id, '') = ? ORDER BY name`,
		owner, parentID,
	)
	if err != nil {
		return nil, ioError("list children", err)
	}
	return collectNodes(rows)
}

// ListAll returns every node the owner has, parents before children.
func (e *Engine) ListAll(owner string) ([]Node, error) {
	rows, err := e.db.db.Query(`
WITH RECURSIVE tree(id, depth) AS (
    SELECT id, 0 FROM nodes WHERE owner_id = ? AND parent_id IS NULL
    UNION ALL
    SELECT n.id, t.depth + 1 FROM nodes n JOIN tree t ON n.parent_id = t.id
)
SELECT `+nodeColsN+` FROM nodes n JOIN tree t ON n.id = t.id
ORDER BY t.depth, n.name`, owner)
	if err != nil {
		return nil, ioError("list all", err)
	}
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, ioError("scan node", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate nodes", err)
	}
	return nodes, nil
}

// Open returns a file node and its payload. Directories yield ErrIsDirectory.
func (e *Engine) Open(owner, id string) (*Node, *os.File, error) {
	n, err := e.Get(owner, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := e.OpenNode(n)
	if err != nil {
		return nil, nil, err
	}
	return n, f, nil
}

// OpenNode opens the payload of an already resolved file node.
func (e *Engine) OpenNode(n *Node) (*os.File, error) {
	if n.IsDir() {
		return nil, fmt.Errorf("open %s: %w", n.ID, ErrIsDirectory)
	}
	return e.blobs.Open(n.ContentRef)
}

// --- Writes ---

// CreateDirectory adds an empty directory under parentID.
func (e *Engine) CreateDirectory(owner, parentID, name string) (*Node, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("create directory %q: %w", name, ErrInvalidName)
	}
	unlock := e.locks.lock(parentKey(owner, parentID))
	defer unlock()

	now := time.Now().Unix()
	n := &Node{
		ID:         uuid.New().String(),
		ParentID:   parentID,
		OwnerID:    owner,
		Name:       name,
		Kind:       KindDirectory,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	err := e.db.withTx("create directory", func(tx *sql.Tx) error {
		if _, err := getDir(tx, owner, parentID); err != nil {
			return err
		}
		return insertNode(tx, n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func insertNode(tx *sql.Tx, n *Node) error {
	_, err := tx.Exec(
		`INSERT INTO nodes (`+nodeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, nullString(n.ParentID), n.OwnerID, n.Name, n.Kind, nullString(n.ContentRef),
		n.Size, n.MimeHint, n.CreatedAt, n.ModifiedAt,
	)
	if isUniqueViolation(err) {
		return collision(n.Name)
	}
	if err != nil {
		return ioError("insert node", err)
	}
	return nil
}

// CreateFile stores r as a new file under parentID. An existing entry with
// the same name is a conflict.
func (e *Engine) CreateFile(owner, parentID, name, mime string, r io.Reader) (*Node, error) {
	n, _, err := e.putFile(owner, parentID, name, mime, r, false)
	return n, err
}

// PutFile stores r at parentID/name, replacing the content of an existing
// file of that name. created reports whether a new node was made.
func (e *Engine) PutFile(owner, parentID, name, mime string, r io.Reader) (n *Node, created bool, err error) {
	return e.putFile(owner, parentID, name, mime, r, true)
}

func (e *Engine) putFile(owner, parentID, name, mime string, r io.Reader, overwrite bool) (*Node, bool, error) {
	if !ValidName(name) {
		return nil, false, fmt.Errorf("put file %q: %w", name, ErrInvalidName)
	}
	st, err := e.blobs.Stage(r)
	if err != nil {
		return nil, false, err
	}
	defer e.blobs.Discard(st)
	if mime == "" {
		mime = st.Mime
	}

	var (
		result  *Node
		created bool
		freed   []string
	)
	err = func() error {
		unlock := e.locks.lock(parentKey(owner, parentID), blobKey(st.Ref))
		defer unlock()

		if err := e.blobs.commit(st); err != nil {
			return err
		}
		now := time.Now().Unix()
		return e.db.withTx("put file", func(tx *sql.Tx) error {
			if _, err := getDir(tx, owner, parentID); err != nil {
				return err
			}
			existing, err := childByName(tx, owner, parentID, name)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := incRef(tx, st.Ref, st.Size, now); err != nil {
				return err
			}
			if existing == nil {
				created = true
				result = &Node{
					ID:         uuid.New().String(),
					ParentID:   parentID,
					OwnerID:    owner,
					Name:       name,
					Kind:       KindFile,
					ContentRef: st.Ref,
					Size:       st.Size,
					MimeHint:   mime,
					CreatedAt:  now,
					ModifiedAt: now,
				}
				return insertNode(tx, result)
			}
			if !overwrite {
				return collision(name)
			}
			if existing.IsDir() {
				return fmt.Errorf("put file %q: %w", name, ErrIsDirectory)
			}
			if _, err := tx.Exec(
				`UPDATE nodes SET content_ref = ?, size = ?, mime_hint = ?, modified_at = ? WHERE id = ?`,
				st.Ref, st.Size, mime, now, existing.ID,
			); err != nil {
				return ioError("update file", err)
			}
			freed, err = decRefs(tx, map[string]int{existing.ContentRef: 1})
			if err != nil {
				return err
			}
			existing.ContentRef = st.Ref
			existing.Size = st.Size
			existing.MimeHint = mime
			existing.ModifiedAt = now
			result = existing
			return nil
		})
	}()
	if err != nil {
		// The committed blob may now be unreferenced.
		e.releaseBlobs([]string{st.Ref})
		return nil, false, err
	}
	e.releaseBlobs(freed)
	return result, created, nil
}

// Rename changes a node's name in place. Its id and parent are unchanged.
func (e *Engine) Rename(owner, id, newName string) error {
	if id == "" {
		return fmt.Errorf("rename root: %w", ErrConflict)
	}
	if !ValidName(newName) {
		return fmt.Errorf("rename to %q: %w", newName, ErrInvalidName)
	}
	n, err := e.Get(owner, id)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(nodeKey(id), parentKey(owner, n.ParentID))
	defer unlock()

	return e.db.withTx("rename", func(tx *sql.Tx) error {
		n, err := getNode(tx, owner, id)
		if err != nil {
			return err
		}
		if n.Name == newName {
			return nil
		}
		_, err = tx.Exec(`UPDATE nodes SET name = ?, modified_at = ? WHERE id = ?`,
			newName, time.Now().Unix(), id)
		if isUniqueViolation(err) {
			return collision(newName)
		}
		if err != nil {
			return ioError("rename", err)
		}
		return nil
	})
}

// prepareDestination checks that newParentID can receive a node named
// newName holding the subtree rooted at id. An existing destination entry is
// deleted when overwrite is set; replaced reports that case.
func prepareDestination(tx *sql.Tx, owner, id, newParentID, newName string, overwrite bool) (replaced bool, freed []string, err error) {
	if _, err := getDir(tx, owner, newParentID); err != nil {
		return false, nil, err
	}
	inside, err := isAncestorOrSelf(tx, id, newParentID)
	if err != nil {
		return false, nil, err
	}
	if inside {
		return false, nil, fmt.Errorf("destination inside source subtree: %w", ErrConflict)
	}
	existing, err := childByName(tx, owner, newParentID, newName)
	if errors.Is(err, ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if existing.ID == id {
		return false, nil, nil
	}
	if !overwrite {
		return false, nil, collision(newName)
	}
	above, err := isAncestorOrSelf(tx, existing.ID, id)
	if err != nil {
		return false, nil, err
	}
	if above {
		return false, nil, fmt.Errorf("destination contains source: %w", ErrConflict)
	}
	freed, err = deleteSubtree(tx, existing.ID)
	if err != nil {
		return false, nil, err
	}
	return true, freed, nil
}

// Move re-parents and optionally renames a node. Moving a node below itself
// is a conflict at any depth.
func (e *Engine) Move(owner, id, newParentID, newName string, overwrite bool) (replaced bool, err error) {
	if id == "" {
		return false, fmt.Errorf("move root: %w", ErrConflict)
	}
	n, err := e.Get(owner, id)
	if err != nil {
		return false, err
	}
	if newName == "" {
		newName = n.Name
	}
	if !ValidName(newName) {
		return false, fmt.Errorf("move to %q: %w", newName, ErrInvalidName)
	}
	unlock := e.locks.lock(nodeKey(id), parentKey(owner, n.ParentID), parentKey(owner, newParentID))
	defer unlock()

	var freed []string
	err = e.db.withTx("move", func(tx *sql.Tx) error {
		n, err := getNode(tx, owner, id)
		if err != nil {
			return err
		}
		if n.ParentID == newParentID && n.Name == newName {
			return nil
		}
		replaced, freed, err = prepareDestination(tx, owner, id, newParentID, newName, overwrite)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE nodes SET parent_id = ?, name = ? WHERE id = ?`,
			nullString(newParentID), newName, id)
		if isUniqueViolation(err) {
			return collision(newName)
		}
		if err != nil {
			return ioError("move", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.releaseBlobs(freed)
	return replaced, nil
}

// Copy duplicates the subtree rooted at id under newParentID. Copies get
// fresh ids and share the source blobs.
func (e *Engine) Copy(owner, id, newParentID, newName string, overwrite bool) (copied *Node, replaced bool, err error) {
	if id == "" {
		return nil, false, fmt.Errorf("copy root: %w", ErrConflict)
	}
	src, err := e.Get(owner, id)
	if err != nil {
		return nil, false, err
	}
	if newName == "" {
		newName = src.Name
	}
	if !ValidName(newName) {
		return nil, false, fmt.Errorf("copy to %q: %w", newName, ErrInvalidName)
	}
	unlock := e.locks.lock(nodeKey(id), parentKey(owner, newParentID))
	defer unlock()

	var freed []string
	err = e.db.withTx("copy", func(tx *sql.Tx) error {
		existing, err := childByName(tx, owner, newParentID, newName)
		if err == nil && existing.ID == id {
			return fmt.Errorf("copy onto itself: %w", ErrConflict)
		}
		replaced, freed, err = prepareDestination(tx, owner, id, newParentID, newName, overwrite)
		if err != nil {
			return err
		}
		copied, err = copySubtree(tx, id, newParentID, newName)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	e.releaseBlobs(freed)
	return copied, replaced, nil
}

func copySubtree(tx *sql.Tx, id, newParentID, newName string) (*Node, error) {
	rows, err := tx.Query(`
WITH RECURSIVE sub(id, depth) AS (
    SELECT id, 0 FROM nodes WHERE id = ?
    UNION ALL
    SELECT n.id, s.depth + 1 FROM nodes n JOIN sub s ON n.parent_id = s.id
)
SELECT `+nodeColsN+` FROM nodes n JOIN sub s ON n.id = s.id
ORDER BY s.depth`, id)
	if err != nil {
		return nil, ioError("snapshot subtree", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("copy %s: %w", id, ErrNotFound)
	}

	now := time.Now().Unix()
	ids := make(map[string]string, len(nodes))
	var top *Node
	for i := range nodes {
		n := &nodes[i]
		newID := uuid.New().String()
		ids[n.ID] = newID
		n.ID = newID
		if i == 0 {
			n.ParentID = newParentID
			n.Name = newName
			top = n
		} else {
			n.ParentID = ids[n.ParentID]
		}
		n.CreatedAt = now
		if n.ContentRef != "" {
			if _, err := tx.Exec(`UPDATE blobs SET refcount = refcount + 1 WHERE ref = ?`, n.ContentRef); err != nil {
				return nil, ioError("incref blob", err)
			}
		}
		if err := insertNode(tx, n); err != nil {
			return nil, err
		}
	}
	return top, nil
}

// Delete removes a node and its whole subtree in one transaction. Blobs left
// without references are removed from disk after the commit.
func (e *Engine) Delete(owner, id string) error {
	if id == "" {
		return fmt.Errorf("delete root: %w", ErrConflict)
	}
	n, err := e.Get(owner, id)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(nodeKey(id), parentKey(owner, n.ParentID))
	defer unlock()

	var freed []string
	err = e.db.withTx("delete", func(tx *sql.Tx) error {
		if _, err := getNode(tx, owner, id); err != nil {
			return err
		}
		freed, err = deleteSubtree(tx, id)
		return err
	})
	if err != nil {
		return err
	}
	e.releaseBlobs(freed)
	return nil
}

// Touch sets a node's modification time.
func (e *Engine) Touch(owner, id string, modified time.Time) error {
	if id == "" {
		return fmt.Errorf("touch root: %w", ErrConflict)
	}
	unlock := e.locks.lock(nodeKey(id))
	defer unlock()

	return e.db.withTx("touch", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE nodes SET modified_at = ? WHERE id = ? AND owner_id = ?`,
			modified.Unix(), id, owner)
		if err != nil {
			return ioError("touch", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("touch %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SweepOrphans removes blob files older than cutoff that no blob row
// references, plus staged uploads older than cutoff. It returns how many
// files were removed.
func (e *Engine) SweepOrphans(cutoff time.Time) (int, error) {
	removed := 0
	err := e.blobs.Walk(cutoff, func(ref string) error {
		ok, err := e.DeleteBlobIfUnreferenced(ref)
		if err != nil {
			return err
		}
		if ok {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	n, err := e.blobs.PruneTmp(cutoff)
	return removed + n, err
}
