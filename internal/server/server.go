package server

import (
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/session"
	"github.com/ssd-technologies/cellar/internal/storage"
	"github.com/ssd-technologies/cellar/internal/webdav"
)

const (
	apiPrefix    = "/api/"
	staticPrefix = "/static/"

	sessionCookie = "session"
	realm         = `Basic realm="cellar", charset="UTF-8"`
)

// Options configures a Server.
type Options struct {
	Tree     *storage.Engine
	Sessions *session.Manager
	// WebDir holds the interface pages; assets live in WebDir/static.
	WebDir string
}

// Server routes requests to the REST API, the WebDAV adapter, the
// interface pages and static assets.
type Server struct {
	tree     *storage.Engine
	sessions *session.Manager
	dav      *webdav.Handler
	webDir   string
	validate *validator.Validate
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		tree:     opts.Tree,
		sessions: opts.Sessions,
		dav:      webdav.NewHandler(opts.Tree, nil),
		webDir:   opts.WebDir,
		validate: v,
	}
}

// ServeWire implements httpwire.Handler.
func (s *Server) ServeWire(w *httpwire.Response, r *httpwire.Request) {
	securityHeaders(w, r.TLS)
	class := s.route(w, r)
	log.Printf("[http] %s %d %s %s by %s", class, w.Status, r.Method, r.Path, r.RemoteAddr)
}

func securityHeaders(w *httpwire.Response, tls bool) {
	h := w.Header
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}

func isRead(method string) bool { return method == "GET" || method == "HEAD" }

// route dispatches r and returns the route class for the access log.
//
// GET and HEAD only reach WebDAV when the client sends credentials; browsers
// carrying a session cookie get the interface instead.
func (s *Server) route(w *httpwire.Response, r *httpwire.Request) string {
	switch {
	case r.Method == "OPTIONS":
		webdav.SetOptions(w)
		w.WriteHeader(http.StatusNoContent)
		return "options"
	case strings.HasPrefix(r.Path, apiPrefix) || r.Path == strings.TrimSuffix(apiPrefix, "/"):
		s.serveAPI(w, r)
		return "api"
	case isRead(r.Method) && strings.HasPrefix(r.Path, staticPrefix):
		s.serveStatic(w, r)
		return "static"
	case webdav.IsMethod(r.Method) && (!isRead(r.Method) || r.Header.Get("Authorization") != ""):
		s.serveDAV(w, r)
		return "webdav"
	case isRead(r.Method):
		s.serveInterface(w, r)
		return "interface"
	}
	notFound(w)
	return "none"
}

func notFound(w *httpwire.Response) {
	w.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.WriteString("This page could not be found!\n")
}

// sessionUser returns the user behind the request's session cookie.
func (s *Server) sessionUser(r *httpwire.Request) (string, bool) {
	id := r.Cookie(sessionCookie)
	if id == "" {
		return "", false
	}
	return s.sessions.Validate(id)
}

// davUser authenticates a WebDAV request by Basic credentials, falling back
// to the session cookie.
func (s *Server) davUser(r *httpwire.Request) (string, bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		return s.sessions.BasicAuth(user, pass)
	}
	return s.sessionUser(r)
}

func (s *Server) serveDAV(w *httpwire.Response, r *httpwire.Request) {
	user, ok := s.davUser(r)
	if !ok {
		w.Header.Set("WWW-Authenticate", realm)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.dav.Serve(w, r, user)
}
