// Package webdav serves a user's file tree over WebDAV (class 1 and 2).
// Locks are advisory: they are granted, refreshed and reported, but writes
// never check them.
package webdav

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/storage"
)

// Methods lists every method the handler answers.
var Methods = []string{
	"OPTIONS", "GET", "HEAD", "PUT", "DELETE", "MKCOL", "COPY", "MOVE",
	"PROPFIND", "PROPPATCH", "LOCK", "UNLOCK",
}

// IsMethod reports whether m is a WebDAV method. GET, HEAD, PUT, DELETE and
// OPTIONS are included.
func IsMethod(m string) bool {
	for _, x := range Methods {
		if x == m {
			return true
		}
	}
	return false
}

// Allow is the value of the Allow header on OPTIONS.
var Allow = strings.Join(Methods, ", ")

// Handler maps WebDAV methods onto the storage engine. Paths address the
// authenticated user's own tree.
type Handler struct {
	tree  *storage.Engine
	locks *LockTable
	now   func() time.Time
}

// NewHandler creates a Handler over tree.
func NewHandler(tree *storage.Engine, locks *LockTable) *Handler {
	if locks == nil {
		locks = NewLockTable()
	}
	return &Handler{tree: tree, locks: locks, now: time.Now}
}

// Locks exposes the lock table for periodic pruning.
func (h *Handler) Locks() *LockTable { return h.locks }

// Serve answers r on behalf of user.
func (h *Handler) Serve(w *httpwire.Response, r *httpwire.Request, user string) {
	segs := r.Segments()
	switch r.Method {
	case "OPTIONS":
		SetOptions(w)
		w.WriteHeader(http.StatusNoContent)
	case "PROPFIND":
		h.propfind(w, r, user, segs)
	case "PROPPATCH":
		h.proppatch(w, r, user, segs)
	case "MKCOL":
		h.mkcol(w, r, user, segs)
	case "GET", "HEAD":
		h.get(w, r, user, segs)
	case "PUT":
		h.put(w, r, user, segs)
	case "DELETE":
		h.delete(w, user, segs)
	case "MOVE", "COPY":
		h.moveCopy(w, r, user, segs)
	case "LOCK":
		h.lock(w, r, user, segs)
	case "UNLOCK":
		h.unlock(w, r, user)
	default:
		w.Header.Set("Allow", Allow)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SetOptions adds the capability headers WebDAV clients probe for.
func SetOptions(w *httpwire.Response) {
	w.Header.Set("Allow", Allow)
	w.Header.Set("DAV", "1, 2")
	w.Header.Set("MS-Author-Via", "DAV")
}

// statusOf maps storage errors to a status. 5xx errors are logged.
func statusOf(op string, err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrIsDirectory):
		return http.StatusMethodNotAllowed
	case errors.Is(err, storage.ErrNotDirectory), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	}
	log.Printf("[webdav] %s: %v", op, err)
	return http.StatusInternalServerError
}

func joinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

// hrefOf escapes a slash separated path for use in an href. Collections end
// with a slash.
func hrefOf(p string, dir bool) string {
	segs := httpwire.SplitPath(p)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	href := joinPath(segs)
	if dir && href != "/" {
		href += "/"
	}
	return href
}

// parent resolves the directory that will hold the last segment. A missing
// or non-directory parent is a conflict.
func (h *Handler) parent(user string, segs []string) (*storage.Node, int) {
	p, err := h.tree.Lookup(user, segs[:len(segs)-1])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, http.StatusConflict
	}
	if err != nil {
		return nil, statusOf("resolve parent", err)
	}
	if !p.IsDir() {
		return nil, http.StatusConflict
	}
	return p, 0
}

func etag(n *storage.Node) string {
	return fmt.Sprintf(`"%s-%d"`, n.ContentRef[:16], n.Size)
}

func contentType(n *storage.Node) string {
	if n.MimeHint != "" {
		return n.MimeHint
	}
	return "application/octet-stream"
}

func (h *Handler) get(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	n, err := h.tree.Lookup(user, segs)
	if err != nil {
		w.WriteHeader(statusOf("get", err))
		return
	}
	if n.IsDir() {
		w.Header.Set("Allow", "OPTIONS, PROPFIND, MKCOL, DELETE, MOVE, COPY, LOCK, UNLOCK")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tag := etag(n)
	w.Header.Set("ETag", tag)
	w.Header.Set("Last-Modified", time.Unix(n.ModifiedAt, 0).UTC().Format(http.TimeFormat))
	if match := r.Header.Get("If-None-Match"); match != "" && (match == "*" || strings.Contains(match, tag)) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	f, err := h.tree.OpenNode(n)
	if err != nil {
		w.WriteHeader(statusOf("open", err))
		return
	}
	w.Header.Set("Content-Type", contentType(n))
	w.Stream(f, n.Size)
}

func (h *Handler) put(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	if len(segs) == 0 {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dir, status := h.parent(user, segs)
	if dir == nil {
		w.WriteHeader(status)
		return
	}
	mime := r.Header.Get("Content-Type")
	if mime == "application/octet-stream" {
		mime = ""
	}
	n, created, err := h.tree.PutFile(user, dir.ID, segs[len(segs)-1], mime, r.Body)
	if err != nil {
		w.WriteHeader(statusOf("put", err))
		return
	}
	w.Header.Set("ETag", etag(n))
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mkcol(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	if r.ContentLength > 0 {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if len(segs) == 0 {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dir, status := h.parent(user, segs)
	if dir == nil {
		w.WriteHeader(status)
		return
	}
	_, err := h.tree.CreateDirectory(user, dir.ID, segs[len(segs)-1])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, storage.ErrExists):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(statusOf("mkcol", err))
	}
}

func (h *Handler) delete(w *httpwire.Response, user string, segs []string) {
	if len(segs) == 0 {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	n, err := h.tree.Lookup(user, segs)
	if err == nil {
		err = h.tree.Delete(user, n.ID)
	}
	if err != nil {
		w.WriteHeader(statusOf("delete", err))
		return
	}
	h.locks.RemoveTree(user, joinPath(segs))
	w.WriteHeader(http.StatusNoContent)
}

var errBadDestination = errors.New("bad destination")

// destination extracts the target path of a MOVE or COPY. An absolute URI
// must name this host.
func destination(r *httpwire.Request) ([]string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return nil, errBadDestination
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errBadDestination
	}
	if u.Host != "" && !strings.EqualFold(u.Host, r.Header.Get("Host")) {
		return nil, errBadDestination
	}
	return httpwire.SplitPath(path.Clean("/" + u.Path)), nil
}

func (h *Handler) moveCopy(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	if len(segs) == 0 {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	dst, err := destination(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(dst) == 0 || joinPath(dst) == joinPath(segs) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	overwrite := !strings.EqualFold(strings.TrimSpace(r.Header.Get("Overwrite")), "F")

	src, err := h.tree.Lookup(user, segs)
	if err != nil {
		w.WriteHeader(statusOf("resolve source", err))
		return
	}
	dir, status := h.parent(user, dst)
	if dir == nil {
		w.WriteHeader(status)
		return
	}

	var replaced bool
	name := dst[len(dst)-1]
	if r.Method == "MOVE" {
		replaced, err = h.tree.Move(user, src.ID, dir.ID, name, overwrite)
	} else {
		_, replaced, err = h.tree.Copy(user, src.ID, dir.ID, name, overwrite)
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrExists):
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	default:
		w.WriteHeader(statusOf(strings.ToLower(r.Method), err))
		return
	}
	if r.Method == "MOVE" {
		h.locks.RemoveTree(user, joinPath(segs))
	}
	if replaced {
		h.locks.RemoveTree(user, joinPath(dst))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header.Set("Location", hrefOf(joinPath(dst), src.IsDir()))
	w.WriteHeader(http.StatusCreated)
}

// parseTimeout reads the first usable value of a Timeout header.
func parseTimeout(v string) time.Duration {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return maxLockTimeout
		}
		if secs, ok := strings.CutPrefix(part, "Second-"); ok {
			if n, err := strconv.ParseInt(secs, 10, 64); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return defaultLockTimeout
}

// ifToken pulls the first lock token out of an If header.
func ifToken(v string) string {
	start := strings.Index(v, "<opaquelocktoken:")
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(v[start:], '>')
	if end < 0 {
		return ""
	}
	return v[start+1 : start+end]
}

func (h *Handler) writeLock(w *httpwire.Response, l Lock, status int) {
	w.Header.Set("Content-Type", "application/xml; charset=utf-8")
	w.Header.Set("Lock-Token", "<"+l.Token+">")
	w.WriteHeader(status)
	fmt.Fprintf(w, `%s<D:prop xmlns:D="DAV:"><D:lockdiscovery>%s</D:lockdiscovery></D:prop>`,
		xmlHeader, activeLockXML(l, h.now()))
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

func (h *Handler) lock(w *httpwire.Response, r *httpwire.Request, user string, segs []string) {
	timeout := parseTimeout(r.Header.Get("Timeout"))
	var info lockInfo
	ok, err := decodeBody(r.Body, &info)
	if err != nil {
		w.WriteHeader(bodyStatus(err))
		return
	}
	if !ok {
		// An empty body refreshes the lock named in the If header.
		l, err := h.locks.Refresh(user, ifToken(r.Header.Get("If")), timeout)
		if err != nil {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		h.writeLock(w, l, http.StatusOK)
		return
	}

	status := http.StatusOK
	if _, err := h.tree.Lookup(user, segs); errors.Is(err, storage.ErrNotFound) {
		// Locking an unmapped URL creates an empty file there.
		if len(segs) == 0 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		dir, st := h.parent(user, segs)
		if dir == nil {
			w.WriteHeader(st)
			return
		}
		if _, _, err := h.tree.PutFile(user, dir.ID, segs[len(segs)-1], "", strings.NewReader("")); err != nil {
			w.WriteHeader(statusOf("lock create", err))
			return
		}
		status = http.StatusCreated
	} else if err != nil {
		w.WriteHeader(statusOf("lock", err))
		return
	}

	depth := "infinity"
	if r.Header.Get("Depth") == "0" {
		depth = "0"
	}
	l := Lock{
		User:      user,
		Path:      joinPath(segs),
		Exclusive: info.Scope.Shared == nil,
		Depth:     depth,
	}
	if info.Owner != nil {
		l.Owner = info.Owner.Inner
	}
	l, err = h.locks.Create(l, timeout)
	if err != nil {
		w.WriteHeader(http.StatusLocked)
		return
	}
	h.writeLock(w, l, status)
}

func (h *Handler) unlock(w *httpwire.Response, r *httpwire.Request, user string) {
	token := strings.Trim(strings.TrimSpace(r.Header.Get("Lock-Token")), "<>")
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.locks.Remove(user, token); err != nil {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
