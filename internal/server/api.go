package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/session"
	"github.com/ssd-technologies/cellar/internal/storage"
)

// apiRoute is one entry of the REST table. Public routes run without a
// session.
type apiRoute struct {
	method string
	public bool
	handle func(s *Server, w *httpwire.Response, r *httpwire.Request, user string, args []string)
}

var apiRoutes = map[string]apiRoute{
	"health":        {method: "GET", public: true, handle: (*Server).handleHealth},
	"register":      {method: "POST", public: true, handle: (*Server).handleRegister},
	"login":         {method: "POST", public: true, handle: (*Server).handleLogin},
	"sharedetails":  {method: "POST", public: true, handle: (*Server).handleShareDetails},
	"sharedownload": {method: "POST", public: true, handle: (*Server).handleShareDownload},
	"logout":        {method: "POST", handle: (*Server).handleLogout},
	"user":          {method: "GET", handle: (*Server).handleUser},
	"listall":       {method: "GET", handle: (*Server).handleListAll},
	"folder":        {method: "POST", handle: (*Server).handleFolder},
	"rename":        {method: "POST", handle: (*Server).handleRename},
	"move":          {method: "POST", handle: (*Server).handleMove},
	"delete":        {method: "POST", handle: (*Server).handleDelete},
	"share":         {method: "POST", handle: (*Server).handleShare},
	"shares":        {method: "POST", handle: (*Server).handleListShares},
	"unshare":       {method: "POST", handle: (*Server).handleUnshare},
	"upload":        {method: "POST", handle: (*Server).handleUpload},
	"download":      {method: "GET", handle: (*Server).handleDownload},
}

// matchAPI resolves the path below /api/ to a route key and its arguments.
// Besides fixed names it knows upload/{parent_id?}/{name} and
// {file_id}/download. Keys that take arguments never match bare, so a
// handler always receives the arguments it expects.
func matchAPI(segs []string) (string, []string) {
	switch {
	case len(segs) >= 2 && len(segs) <= 3 && segs[0] == "upload":
		return "upload", segs[1:]
	case len(segs) == 2 && segs[1] == "download":
		return "download", segs[:1]
	case len(segs) == 1 && segs[0] != "download" && segs[0] != "upload":
		return segs[0], nil
	}
	return "", nil
}

func (s *Server) serveAPI(w *httpwire.Response, r *httpwire.Request) {
	key, args := matchAPI(httpwire.SplitPath(strings.TrimPrefix(r.Path, "/api")))
	route, ok := apiRoutes[key]
	if !ok {
		w.Error(http.StatusNotFound, "no such endpoint")
		return
	}
	if r.Method != route.method && !(route.method == "GET" && r.Method == "HEAD") {
		w.Header.Set("Allow", route.method)
		w.Error(http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var user string
	if !route.public {
		if user, ok = s.sessionUser(r); !ok {
			w.Error(http.StatusUnauthorized, "not logged in")
			return
		}
	}
	route.handle(s, w, r, user, args)
}

// messages replaces validator output for fields users fill in by hand.
var messages = map[string]string{
	"registerRequest.userid": "The User ID has to be at least 3 characters long!",
	"registerRequest.email":  "Invalid Email address!",
	"registerRequest.passwd": "Failed to transmit password!",
	"loginRequest.userid":    "Please provide a User ID!",
	"loginRequest.passwd":    "Failed to transmit password!",
}

// decode reads a JSON body into v and validates it. On failure the error
// response is written and false returned.
func (s *Server) decode(w *httpwire.Response, r *httpwire.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		w.Error(http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if msg, ok := messages[fe.Namespace()]; ok {
				w.Error(http.StatusBadRequest, msg)
				return false
			}
			w.Error(http.StatusBadRequest, fmt.Sprintf("invalid %s", fe.Field()))
			return false
		}
		w.Error(http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps a storage or session error to a JSON error response.
func fail(w *httpwire.Response, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, session.ErrShareNotFound):
		w.Error(http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidName):
		w.Error(http.StatusBadRequest, "invalid name")
	case errors.Is(err, storage.ErrExists):
		w.Error(http.StatusConflict, "name already taken")
	case errors.Is(err, storage.ErrNotDirectory):
		w.Error(http.StatusConflict, "parent is not a folder")
	case errors.Is(err, storage.ErrConflict):
		w.Error(http.StatusConflict, "conflicts with the folder structure")
	case errors.Is(err, storage.ErrIsDirectory):
		w.Error(http.StatusBadRequest, "is a folder")
	case errors.Is(err, session.ErrUserExists):
		w.Error(http.StatusConflict, "This User ID is already taken!")
	case errors.Is(err, session.ErrEmailExists):
		w.Error(http.StatusConflict, "This Email address is already taken!")
	case errors.Is(err, session.ErrPasswordRequired):
		w.Error(http.StatusUnauthorized, "password required")
	case errors.Is(err, session.ErrPasswordIncorrect):
		w.Error(http.StatusForbidden, "wrong password")
	default:
		log.Printf("[http] %s: %v", op, err)
		w.Error(http.StatusInternalServerError, "internal error")
	}
}

// sanitizeFilename strips directory parts, quotes, and CR/LF from a filename
// to prevent Content-Disposition header injection.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}

// sendFile streams an opened file node.
func (s *Server) sendFile(w *httpwire.Response, r *httpwire.Request, n *storage.Node) {
	f, err := s.tree.OpenNode(n)
	if err != nil {
		fail(w, "open file", err)
		return
	}
	ctype := n.MimeHint
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	disposition := "attachment"
	if r.Query.Has("inline") {
		disposition = "inline"
	}
	w.Header.Set("Content-Type", ctype)
	w.Header.Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, sanitizeFilename(n.Name)))
	w.Header.Set("Last-Modified", time.Unix(n.ModifiedAt, 0).UTC().Format(http.TimeFormat))
	w.Stream(f, n.Size)
}

// --- Public ---

func (s *Server) handleHealth(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	w.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "cellar",
	})
}

type registerRequest struct {
	UserID   string `json:"userid" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"passwd" validate:"required"`
}

func (s *Server) handleRegister(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !storage.ValidName(req.UserID) {
		w.Error(http.StatusBadRequest, "The User ID contains invalid characters!")
		return
	}
	u, err := s.sessions.Register(req.UserID, req.Email, req.Password)
	if err != nil {
		fail(w, "register", err)
		return
	}
	w.JSON(http.StatusCreated, map[string]string{"user_name": u.ID})
}

type loginRequest struct {
	UserID   string `json:"userid" validate:"required"`
	Password string `json:"passwd" validate:"required"`
}

func (s *Server) handleLogin(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Login(req.UserID, req.Password)
	if errors.Is(err, session.ErrAuth) {
		w.Error(http.StatusUnauthorized, "Could not login with these credentials!")
		return
	}
	if err != nil {
		fail(w, "login", err)
		return
	}
	w.SetCookie(httpwire.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(s.sessions.Lifetime() / time.Second),
		HttpOnly: true,
		SameSite: "Lax",
		Secure:   r.TLS,
	})
	w.JSON(http.StatusOK, map[string]string{"user_name": sess.UserID})
}

type shareAccessRequest struct {
	ShareID  string `json:"share_id" validate:"required"`
	Password string `json:"password"`
}

func (s *Server) handleShareDetails(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	var req shareAccessRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.sessions.ShareDetails(req.ShareID, req.Password)
	switch {
	case err == nil:
		w.JSON(http.StatusOK, d)
	case errors.Is(err, session.ErrPasswordRequired):
		w.JSON(http.StatusUnauthorized, map[string]any{"message": "password required", "password_required": true})
	case errors.Is(err, session.ErrPasswordIncorrect):
		w.JSON(http.StatusForbidden, map[string]any{"message": "wrong password", "password_required": true})
	default:
		fail(w, "share details", err)
	}
}

func (s *Server) handleShareDownload(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	var req shareAccessRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.sessions.ResolveShare(req.ShareID, req.Password)
	if err != nil {
		fail(w, "share download", err)
		return
	}
	s.sendFile(w, r, n)
}

// --- Session ---

func (s *Server) handleLogout(w *httpwire.Response, r *httpwire.Request, _ string, _ []string) {
	if err := s.sessions.Logout(r.Cookie(sessionCookie)); err != nil {
		fail(w, "logout", err)
		return
	}
	w.SetCookie(httpwire.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1, HttpOnly: true, SameSite: "Lax"})
	w.JSON(http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleUser(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	w.JSON(http.StatusOK, map[string]string{"user_name": user})
}

// --- Files ---

// handleListAll returns the whole tree as nested objects: every folder maps
// child ids to either a nested folder object or a file name, and carries its
// own name under "_name".
func (s *Server) handleListAll(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	nodes, err := s.tree.ListAll(user)
	if err != nil {
		fail(w, "list all", err)
		return
	}
	root := map[string]any{}
	folders := map[string]map[string]any{"": root}
	for _, n := range nodes {
		parent, ok := folders[n.ParentID]
		if !ok {
			continue
		}
		if n.IsDir() {
			m := map[string]any{"_name": n.Name}
			folders[n.ID] = m
			parent[n.ID] = m
		} else {
			parent[n.ID] = n.Name
		}
	}
	w.JSON(http.StatusOK, root)
}

type folderRequest struct {
	ParentID   string `json:"parent_id"`
	FolderName string `json:"folder_name" validate:"required"`
}

func (s *Server) handleFolder(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req folderRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.tree.CreateDirectory(user, req.ParentID, req.FolderName)
	if err != nil {
		fail(w, "create folder", err)
		return
	}
	w.JSON(http.StatusCreated, map[string]string{"folder_id": n.ID})
}

type renameRequest struct {
	FileID  string `json:"file_id" validate:"required"`
	NewName string `json:"new_name" validate:"required"`
}

func (s *Server) handleRename(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req renameRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.tree.Rename(user, req.FileID, req.NewName); err != nil {
		fail(w, "rename", err)
		return
	}
	w.JSON(http.StatusOK, map[string]string{"status": "renamed"})
}

type moveRequest struct {
	FileID   string `json:"file_id" validate:"required"`
	ParentID string `json:"parent_id"`
}

func (s *Server) handleMove(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.tree.Move(user, req.FileID, req.ParentID, "", false); err != nil {
		fail(w, "move", err)
		return
	}
	w.JSON(http.StatusOK, map[string]string{"status": "moved"})
}

type deleteRequest struct {
	FileID string `json:"file_id" validate:"required"`
}

func (s *Server) handleDelete(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req deleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.tree.Delete(user, req.FileID); err != nil {
		fail(w, "delete", err)
		return
	}
	w.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// handleUpload stores the raw request body as upload/{parent_id?}/{name}.
func (s *Server) handleUpload(w *httpwire.Response, r *httpwire.Request, user string, args []string) {
	parentID, name := "", args[len(args)-1]
	if len(args) == 2 {
		parentID = args[0]
	}
	mime := r.Header.Get("Content-Type")
	if mime == "application/octet-stream" {
		mime = ""
	}
	n, err := s.tree.CreateFile(user, parentID, name, mime, r.Body)
	if err != nil {
		fail(w, "upload", err)
		return
	}
	w.JSON(http.StatusCreated, map[string]any{"file_id": n.ID, "size": n.Size})
}

func (s *Server) handleDownload(w *httpwire.Response, r *httpwire.Request, user string, args []string) {
	n, err := s.tree.Get(user, args[0])
	if err != nil {
		fail(w, "download", err)
		return
	}
	if n.IsDir() {
		w.Error(http.StatusBadRequest, "is a folder")
		return
	}
	s.sendFile(w, r, n)
}

type shareRequest struct {
	FileID   string `json:"file_id" validate:"required"`
	Password string `json:"password"`
}

func (s *Server) handleShare(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req shareRequest
	if !s.decode(w, r, &req) {
		return
	}
	sh, err := s.sessions.CreateShare(user, req.FileID, req.Password)
	if err != nil {
		fail(w, "share", err)
		return
	}
	w.JSON(http.StatusCreated, map[string]string{"share_id": sh.ID})
}

type shareInfo struct {
	ShareID          string `json:"share_id"`
	PasswordRequired bool   `json:"password_required"`
	CreatedAt        int64  `json:"created_at"`
}

type listSharesRequest struct {
	FileID string `json:"file_id" validate:"required"`
}

func (s *Server) handleListShares(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req listSharesRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, err := s.sessions.ListShares(user, req.FileID)
	if err != nil {
		fail(w, "list shares", err)
		return
	}
	out := make([]shareInfo, 0, len(shares))
	for _, sh := range shares {
		out = append(out, shareInfo{ShareID: sh.ID, PasswordRequired: sh.HasPassword(), CreatedAt: sh.CreatedAt})
	}
	w.JSON(http.StatusOK, map[string]any{"shares": out})
}

type unshareRequest struct {
	ShareID string `json:"share_id" validate:"required"`
}

func (s *Server) handleUnshare(w *httpwire.Response, r *httpwire.Request, user string, _ []string) {
	var req unshareRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sessions.RevokeShare(user, req.ShareID); err != nil {
		fail(w, "unshare", err)
		return
	}
	w.JSON(http.StatusOK, map[string]string{"status": "unshared"})
}
