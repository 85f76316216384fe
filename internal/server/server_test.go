package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ssd-technologies/cellar/internal/crypto"
	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/session"
	"github.com/ssd-technologies/cellar/internal/storage"
)

var testPages = map[string]string{
	pageLogin:    "<html>login</html>",
	pageRegister: "<html>register</html>",
	pageShare:    "<html>share</html>",
	pageMain:     "<html>main</html>",
	pagePreview:  "<html>preview</html>",
}

func setupTestDB(t *testing.T) (*storage.DB, *storage.Engine) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "cellar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := storage.NewBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	return db, storage.NewEngine(db, blobs)
}

func setupWebDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range testPages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "app.js"), []byte("console.log(1)"), 0o644))
	return dir
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	db, tree := setupTestDB(t)
	return New(Options{
		Tree: tree,
		Sessions: session.NewManager(db, tree, session.Options{
			BcryptCost:  bcrypt.MinCost,
			ShareParams: crypto.Params{Time: 1, Memory: 64, Threads: 1},
		}),
		WebDir: setupWebDir(t),
	})
}

type result struct {
	code   int
	header http.Header
	body   []byte
	resp   *http.Response
}

func (r *result) json(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.body, &m), "decode %q", r.body)
	return m
}

// do sends one request through the server and the wire serializer.
func do(t *testing.T, srv *Server, method, target, cookie string, header map[string]string, body string) *result {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Host", "cellar.test")
	if cookie != "" {
		hdr.Set("Cookie", sessionCookie+"="+cookie)
	}
	for k, v := range header {
		hdr.Set(k, v)
	}
	req := &httpwire.Request{
		Method:        method,
		Target:        target,
		Path:          u.Path,
		RawQuery:      u.RawQuery,
		Query:         u.Query(),
		Proto:         "HTTP/1.1",
		Header:        hdr,
		Body:          httpwire.NewBody([]byte(body)),
		ContentLength: int64(len(body)),
		RemoteAddr:    "192.0.2.1",
	}
	resp := httpwire.NewResponse()
	srv.ServeWire(resp, req)

	var out bytes.Buffer
	_, err = httpwire.WriteResponse(bufio.NewWriter(&out), resp, req, httpwire.WriteOptions{})
	require.NoError(t, err)
	parsed, err := http.ReadResponse(bufio.NewReader(&out), &http.Request{Method: method})
	require.NoError(t, err)
	b, err := io.ReadAll(parsed.Body)
	require.NoError(t, err)
	return &result{code: parsed.StatusCode, header: parsed.Header, body: b, resp: parsed}
}

func postJSON(t *testing.T, srv *Server, target, cookie string, v any) *result {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return do(t, srv, "POST", target, cookie, map[string]string{"Content-Type": "application/json"}, string(b))
}

func register(t *testing.T, srv *Server, user, password string) {
	t.Helper()
	res := postJSON(t, srv, "/api/register", "", map[string]string{
		"userid": user, "email": user + "@example.com", "passwd": password,
	})
	require.Equal(t, http.StatusCreated, res.code, "register: %s", res.body)
}

// login registers user and returns the session cookie value.
func login(t *testing.T, srv *Server, user string) string {
	t.Helper()
	register(t, srv, user, "secret-"+user)
	res := postJSON(t, srv, "/api/login", "", map[string]string{"userid": user, "passwd": "secret-" + user})
	require.Equal(t, http.StatusOK, res.code, "login: %s", res.body)
	for _, c := range res.resp.Cookies() {
		if c.Name == sessionCookie {
			return c.Value
		}
	}
	require.FailNow(t, "login did not set a session cookie")
	return ""
}

func upload(t *testing.T, srv *Server, cookie, parent, name, content string) string {
	t.Helper()
	target := "/api/upload/" + url.PathEscape(name)
	if parent != "" {
		target = "/api/upload/" + parent + "/" + url.PathEscape(name)
	}
	res := do(t, srv, "POST", target, cookie, nil, content)
	require.Equal(t, http.StatusCreated, res.code, "upload: %s", res.body)
	return res.json(t)["file_id"].(string)
}

func mkfolder(t *testing.T, srv *Server, cookie, parent, name string) string {
	t.Helper()
	res := postJSON(t, srv, "/api/folder", cookie, map[string]string{"parent_id": parent, "folder_name": name})
	require.Equal(t, http.StatusCreated, res.code, "folder: %s", res.body)
	return res.json(t)["folder_id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	res := do(t, srv, "GET", "/api/health", "", nil, "")
	require.Equal(t, http.StatusOK, res.code)
	body := res.json(t)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "cellar", body["service"])
}

func TestRegisterValidation(t *testing.T) {
	srv := setupTestServer(t)
	register(t, srv, "alice", "pw")

	tests := []struct {
		name string
		req  map[string]string
		code int
		msg  string
	}{
		{"short user id", map[string]string{"userid": "al", "email": "a@example.com", "passwd": "x"}, 400, "The User ID has to be at least 3 characters long!"},
		{"bad email", map[string]string{"userid": "bob", "email": "nope", "passwd": "x"}, 400, "Invalid Email address!"},
		{"missing password", map[string]string{"userid": "bob", "email": "b@example.com"}, 400, "Failed to transmit password!"},
		{"slash in user id", map[string]string{"userid": "bo/b", "email": "b@example.com", "passwd": "x"}, 400, "The User ID contains invalid characters!"},
		{"taken user id", map[string]string{"userid": "alice", "email": "c@example.com", "passwd": "x"}, 409, "This User ID is already taken!"},
		{"taken email", map[string]string{"userid": "carol", "email": "alice@example.com", "passwd": "x"}, 409, "This Email address is already taken!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, srv, "/api/register", "", tt.req)
			require.Equal(t, tt.code, res.code, "%s", res.body)
			assert.Equal(t, tt.msg, res.json(t)["message"])
		})
	}

	res := do(t, srv, "POST", "/api/register", "", nil, "{not json")
	assert.Equal(t, http.StatusBadRequest, res.code, "malformed body")
}

func TestLoginUserLogout(t *testing.T) {
	srv := setupTestServer(t)
	register(t, srv, "alice", "pw")

	res := postJSON(t, srv, "/api/login", "", map[string]string{"userid": "alice", "passwd": "wrong"})
	require.Equal(t, http.StatusUnauthorized, res.code)
	assert.Equal(t, "Could not login with these credentials!", res.json(t)["message"])

	res = postJSON(t, srv, "/api/login", "", map[string]string{"userid": "alice", "passwd": "pw"})
	require.Equal(t, http.StatusOK, res.code)
	var cookie *http.Cookie
	for _, c := range res.resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "no session cookie")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int(session.DefaultLifetime.Seconds()), cookie.MaxAge)

	res = do(t, srv, "GET", "/api/user", cookie.Value, nil, "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "alice", res.json(t)["user_name"])

	res = do(t, srv, "POST", "/api/logout", cookie.Value, nil, "")
	require.Equal(t, http.StatusOK, res.code)
	res = do(t, srv, "GET", "/api/user", cookie.Value, nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.code, "user after logout")
}

func TestAPI_RequiresSession(t *testing.T) {
	srv := setupTestServer(t)
	for _, target := range []string{"/api/user", "/api/listall", "/api/someid/download"} {
		res := do(t, srv, "GET", target, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, res.code, target)
	}
	res := do(t, srv, "GET", "/api/user", "forged", nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.code, "forged cookie")
}

func TestAPI_UnknownAndWrongMethod(t *testing.T) {
	srv := setupTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/nope", "", nil, "").code)
	res := do(t, srv, "GET", "/api/login", "", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, res.code)
	assert.Equal(t, "POST", res.header.Get("Allow"))

	// Routes that take path arguments do not match without them.
	cookie := login(t, srv, "alice")
	for _, tt := range []struct{ method, target string }{
		{"GET", "/api/download"},
		{"POST", "/api/upload"},
		{"POST", "/api/upload/a/b/c"},
		{"GET", "/api/a/b/download"},
	} {
		res := do(t, srv, tt.method, tt.target, cookie, nil, "x")
		assert.Equal(t, http.StatusNotFound, res.code, "%s %s", tt.method, tt.target)
	}
}

func TestMatchAPI(t *testing.T) {
	tests := []struct {
		segs []string
		key  string
		args []string
	}{
		{[]string{"listall"}, "listall", nil},
		{[]string{"download"}, "", nil},
		{[]string{"upload"}, "", nil},
		{[]string{"upload", "a.txt"}, "upload", []string{"a.txt"}},
		{[]string{"upload", "download"}, "upload", []string{"download"}},
		{[]string{"upload", "p1", "a.txt"}, "upload", []string{"p1", "a.txt"}},
		{[]string{"f1", "download"}, "download", []string{"f1"}},
		{nil, "", nil},
	}
	for _, tt := range tests {
		key, args := matchAPI(tt.segs)
		assert.Equal(t, tt.key, key, "matchAPI(%q)", tt.segs)
		assert.Equal(t, tt.args, args, "matchAPI(%q)", tt.segs)
	}
}

func TestFolderUploadListDownload(t *testing.T) {
	srv := setupTestServer(t)
	cookie := login(t, srv, "alice")

	docs := mkfolder(t, srv, cookie, "", "Docs")
	file := upload(t, srv, cookie, docs, "a.txt", "hello")

	res := do(t, srv, "GET", "/api/listall", cookie, nil, "")
	require.Equal(t, http.StatusOK, res.code)
	tree := res.json(t)
	folder, ok := tree[docs].(map[string]any)
	require.True(t, ok, "listall = %v", tree)
	assert.Equal(t, "Docs", folder["_name"])
	assert.Equal(t, "a.txt", folder[file])

	res = do(t, srv, "GET", "/api/"+file+"/download", cookie, nil, "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "hello", string(res.body))
	assert.Equal(t, `attachment; filename="a.txt"`, res.header.Get("Content-Disposition"))
	assert.Regexp(t, `^text/plain`, res.header.Get("Content-Type"))

	res = do(t, srv, "GET", "/api/"+file+"/download?inline", cookie, nil, "")
	assert.Regexp(t, `^inline;`, res.header.Get("Content-Disposition"))

	res = do(t, srv, "GET", "/api/"+docs+"/download", cookie, nil, "")
	assert.Equal(t, http.StatusBadRequest, res.code, "folder download")
}

func TestUploadCollisionAndBadParent(t *testing.T) {
	srv := setupTestServer(t)
	cookie := login(t, srv, "alice")
	upload(t, srv, cookie, "", "a.txt", "one")

	res := do(t, srv, "POST", "/api/upload/a.txt", cookie, nil, "two")
	assert.Equal(t, http.StatusConflict, res.code, "collision")
	res = do(t, srv, "POST", "/api/upload/missing/b.txt", cookie, nil, "x")
	assert.Equal(t, http.StatusNotFound, res.code, "missing parent")
}

func TestRenameMoveDelete(t *testing.T) {
	srv := setupTestServer(t)
	cookie := login(t, srv, "alice")
	a := mkfolder(t, srv, cookie, "", "A")
	b := mkfolder(t, srv, cookie, a, "B")
	file := upload(t, srv, cookie, "", "f.txt", "data")

	res := postJSON(t, srv, "/api/rename", cookie, map[string]string{"file_id": file, "new_name": "g.txt"})
	require.Equal(t, http.StatusOK, res.code, "rename: %s", res.body)
	res = postJSON(t, srv, "/api/rename", cookie, map[string]string{"file_id": file, "new_name": "x/y"})
	assert.Equal(t, http.StatusBadRequest, res.code, "invalid rename")

	res = postJSON(t, srv, "/api/move", cookie, map[string]string{"file_id": file, "parent_id": b})
	require.Equal(t, http.StatusOK, res.code, "move: %s", res.body)
	res = postJSON(t, srv, "/api/move", cookie, map[string]string{"file_id": a, "parent_id": b})
	assert.Equal(t, http.StatusConflict, res.code, "cycle move")

	tree := do(t, srv, "GET", "/api/listall", cookie, nil, "").json(t)
	inner := tree[a].(map[string]any)[b].(map[string]any)
	assert.Equal(t, "g.txt", inner[file], "moved file missing: %v", tree)

	res = postJSON(t, srv, "/api/delete", cookie, map[string]string{"file_id": a})
	require.Equal(t, http.StatusOK, res.code)
	tree = do(t, srv, "GET", "/api/listall", cookie, nil, "").json(t)
	assert.Empty(t, tree)
	res = postJSON(t, srv, "/api/delete", cookie, map[string]string{"file_id": a})
	assert.Equal(t, http.StatusNotFound, res.code, "second delete")
}

func TestTreesArePrivate(t *testing.T) {
	srv := setupTestServer(t)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	file := upload(t, srv, alice, "", "secret.txt", "mine")

	res := do(t, srv, "GET", "/api/"+file+"/download", bob, nil, "")
	assert.Equal(t, http.StatusNotFound, res.code, "foreign download")
	res = postJSON(t, srv, "/api/delete", bob, map[string]string{"file_id": file})
	assert.Equal(t, http.StatusNotFound, res.code, "foreign delete")
}

func TestShareFlow(t *testing.T) {
	srv := setupTestServer(t)
	cookie := login(t, srv, "alice")
	file := upload(t, srv, cookie, "", "report.txt", "quarterly")

	res := postJSON(t, srv, "/api/share", cookie, map[string]string{"file_id": file, "password": "pw"})
	require.Equal(t, http.StatusCreated, res.code, "share: %s", res.body)
	shareID := res.json(t)["share_id"].(string)

	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": shareID})
	assert.Equal(t, http.StatusUnauthorized, res.code)
	assert.Equal(t, true, res.json(t)["password_required"])
	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": shareID, "password": "nope"})
	assert.Equal(t, http.StatusForbidden, res.code, "wrong password")
	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": "unknown"})
	assert.Equal(t, http.StatusNotFound, res.code, "unknown share")
	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": shareID, "password": "pw"})
	require.Equal(t, http.StatusOK, res.code)
	d := res.json(t)
	assert.Equal(t, "report.txt", d["name"])
	assert.Equal(t, float64(len("quarterly")), d["size"])

	res = postJSON(t, srv, "/api/sharedownload", "", map[string]string{"share_id": shareID, "password": "pw"})
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "quarterly", string(res.body))

	res = postJSON(t, srv, "/api/share", cookie, map[string]string{"file_id": file})
	open := res.json(t)["share_id"].(string)
	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": open})
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, false, res.json(t)["password_required"])

	postJSON(t, srv, "/api/delete", cookie, map[string]string{"file_id": file})
	res = postJSON(t, srv, "/api/sharedownload", "", map[string]string{"share_id": open})
	assert.Equal(t, http.StatusNotFound, res.code, "share of deleted file")
}

func TestShareListAndRevoke(t *testing.T) {
	srv := setupTestServer(t)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	file := upload(t, srv, alice, "", "notes.txt", "notes")

	first := postJSON(t, srv, "/api/share", alice, map[string]string{"file_id": file}).json(t)["share_id"].(string)
	second := postJSON(t, srv, "/api/share", alice, map[string]string{"file_id": file, "password": "pw"}).json(t)["share_id"].(string)

	res := postJSON(t, srv, "/api/shares", alice, map[string]string{"file_id": file})
	require.Equal(t, http.StatusOK, res.code, "shares: %s", res.body)
	list, _ := res.json(t)["shares"].([]any)
	require.Len(t, list, 2, "shares = %s", res.body)
	byID := map[string]bool{}
	for _, e := range list {
		m := e.(map[string]any)
		byID[m["share_id"].(string)] = m["password_required"].(bool)
	}
	assert.Equal(t, map[string]bool{first: false, second: true}, byID)

	res = postJSON(t, srv, "/api/shares", bob, map[string]string{"file_id": file})
	assert.Equal(t, http.StatusNotFound, res.code, "foreign shares")
	res = postJSON(t, srv, "/api/unshare", bob, map[string]string{"share_id": first})
	assert.Equal(t, http.StatusNotFound, res.code, "foreign unshare")

	res = postJSON(t, srv, "/api/unshare", alice, map[string]string{"share_id": first})
	require.Equal(t, http.StatusOK, res.code, "unshare: %s", res.body)
	res = postJSON(t, srv, "/api/sharedetails", "", map[string]string{"share_id": first})
	assert.Equal(t, http.StatusNotFound, res.code, "revoked share details")
	res = postJSON(t, srv, "/api/shares", alice, map[string]string{"file_id": file})
	list, _ = res.json(t)["shares"].([]any)
	assert.Len(t, list, 1, "shares after unshare = %s", res.body)
}

func TestOptionsAdvertisesDAV(t *testing.T) {
	srv := setupTestServer(t)
	res := do(t, srv, "OPTIONS", "/whatever", "", nil, "")
	require.Equal(t, http.StatusNoContent, res.code)
	assert.Equal(t, "1, 2", res.header.Get("DAV"))
}

func basic(user, pass string) map[string]string {
	return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))}
}

func TestWebDAV_Auth(t *testing.T) {
	srv := setupTestServer(t)
	register(t, srv, "alice", "pw")

	res := do(t, srv, "PROPFIND", "/", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, res.code)
	assert.Regexp(t, `^Basic`, res.header.Get("WWW-Authenticate"))
	res = do(t, srv, "PROPFIND", "/", "", basic("alice", "bad"), "")
	assert.Equal(t, http.StatusUnauthorized, res.code, "bad password")

	res = do(t, srv, "MKCOL", "/Docs", "", basic("alice", "pw"), "")
	require.Equal(t, http.StatusCreated, res.code, "MKCOL")
	res = do(t, srv, "PUT", "/Docs/n.txt", "", basic("alice", "pw"), "note")
	require.Equal(t, http.StatusCreated, res.code, "PUT")
	res = do(t, srv, "GET", "/Docs/n.txt", "", basic("alice", "pw"), "")
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "note", string(res.body))
	res = do(t, srv, "PROPFIND", "/Docs", "", mergeHeaders(basic("alice", "pw"), map[string]string{"Depth": "1"}), "")
	assert.Equal(t, http.StatusMultiStatus, res.code)
}

func TestWebDAV_SharesTreeWithAPI(t *testing.T) {
	srv := setupTestServer(t)
	cookie := login(t, srv, "alice")
	upload(t, srv, cookie, "", "api.txt", "from api")

	// A session cookie is enough for non-GET WebDAV methods.
	res := do(t, srv, "PROPFIND", "/api.txt", cookie, map[string]string{"Depth": "0"}, "")
	require.Equal(t, http.StatusMultiStatus, res.code)
	res = do(t, srv, "GET", "/api.txt", "", basic("alice", "secret-alice"), "")
	assert.Equal(t, "from api", string(res.body))
}

func mergeHeaders(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func TestInterfaceRedirects(t *testing.T) {
	srv := setupTestServer(t)

	res := do(t, srv, "GET", "/", "", nil, "")
	assert.Equal(t, http.StatusSeeOther, res.code)
	assert.Equal(t, "/login", res.header.Get("Location"))
	res = do(t, srv, "GET", "/login", "", nil, "")
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, testPages[pageLogin], string(res.body))
	assert.Equal(t, "no-store", res.header.Get("Cache-Control"))
	res = do(t, srv, "GET", "/share/abc", "", nil, "")
	assert.Equal(t, testPages[pageShare], string(res.body))

	cookie := login(t, srv, "alice")
	tests := []struct {
		target   string
		location string
		page     string
	}{
		{"/", "/~alice", ""},
		{"/login", "/~alice", ""},
		{"/~bob/Docs", "/~alice/Docs", ""},
		{"/~alice", "", pageMain},
		{"/~alice/Docs/sub", "", pageMain},
		{"/preview/xyz", "", pagePreview},
		{"/share/xyz", "", pageShare},
	}
	for _, tt := range tests {
		res := do(t, srv, "GET", tt.target, cookie, nil, "")
		if tt.location != "" {
			assert.Equal(t, http.StatusSeeOther, res.code, tt.target)
			assert.Equal(t, tt.location, res.header.Get("Location"), tt.target)
			continue
		}
		assert.Equal(t, http.StatusOK, res.code, tt.target)
		assert.Equal(t, testPages[tt.page], string(res.body), tt.target)
	}

	res = do(t, srv, "GET", "/logout", cookie, nil, "")
	assert.Equal(t, http.StatusSeeOther, res.code)
	assert.Equal(t, "/login", res.header.Get("Location"))
	res = do(t, srv, "GET", "/api/user", cookie, nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.code, "session survived logout")
}

func TestStaticAssets(t *testing.T) {
	srv := setupTestServer(t)
	res := do(t, srv, "GET", "/static/app.js", "", nil, "")
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "console.log(1)", string(res.body))
	assert.Equal(t, "public, max-age=604800", res.header.Get("Cache-Control"))
	assert.Contains(t, res.header.Get("Content-Type"), "javascript")

	for _, target := range []string{"/static/missing.js", "/static/../login.html", "/static/"} {
		res := do(t, srv, "GET", target, "", nil, "")
		assert.Equal(t, http.StatusNotFound, res.code, target)
	}
}

func TestUnknownMethodNotFound(t *testing.T) {
	srv := setupTestServer(t)
	res := do(t, srv, "BREW", "/pot", "", nil, "")
	assert.Equal(t, http.StatusNotFound, res.code)
	assert.Contains(t, string(res.body), "could not be found")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"normal.txt", "normal.txt"},
		{"../../../etc/passwd", "passwd"},
		{`file"name.txt`, "filename.txt"},
		{"file\r\nname.txt", "filename.txt"},
		{"/absolute/path.txt", "path.txt"},
		{"..\\..\\windows.txt", "windows.txt"},
		{"", "download"},
		{".", "download"},
		{"..", "download"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.input), "sanitizeFilename(%q)", tt.input)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupTestServer(t)
	res := do(t, srv, "GET", "/api/health", "", nil, "")

	headers := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	}
	for header, want := range headers {
		assert.Equal(t, want, res.header.Get(header), header)
	}
	assert.Empty(t, res.header.Get("Strict-Transport-Security"), "HSTS on plain HTTP")
}
