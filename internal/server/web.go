package server

import (
	"errors"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ssd-technologies/cellar/internal/httpwire"
)

// Interface pages under WebDir.
const (
	pageLogin    = "login.html"
	pageRegister = "register.html"
	pageShare    = "share_preview.html"
	pageMain     = "file_main.html"
	pagePreview  = "file_preview.html"
)

// serveFile streams a file from disk with the given cache policy.
func serveFile(w *httpwire.Response, p, cacheControl string) {
	f, err := os.Open(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[http] open %s: %v", p, err)
		}
		notFound(w)
		return
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		notFound(w)
		return
	}
	ctype := mime.TypeByExtension(filepath.Ext(p))
	if ctype == "" {
		if m, err := mimetype.DetectFile(p); err == nil {
			ctype = m.String()
		} else {
			ctype = "application/octet-stream"
		}
	}
	w.Header.Set("Content-Type", ctype)
	w.Header.Set("Cache-Control", cacheControl)
	w.Header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.Stream(f, info.Size())
}

// serveStatic answers /static/<path> from WebDir/static.
func (s *Server) serveStatic(w *httpwire.Response, r *httpwire.Request) {
	rel := path.Clean("/" + strings.TrimPrefix(r.Path, staticPrefix))
	if rel == "/" {
		notFound(w)
		return
	}
	serveFile(w, filepath.Join(s.webDir, "static", filepath.FromSlash(rel)), "public, max-age=604800")
}

func (s *Server) sendPage(w *httpwire.Response, name string) {
	serveFile(w, filepath.Join(s.webDir, name), "no-store")
}

func redirect(w *httpwire.Response, location string) {
	w.Header.Set("Cache-Control", "no-store")
	w.Redirect(location)
}

// serveInterface answers the browser pages. Without a session only login,
// register and share previews are reachable.
func (s *Server) serveInterface(w *httpwire.Response, r *httpwire.Request) {
	segs := r.Segments()
	first := ""
	if len(segs) > 0 {
		first = segs[0]
	}

	user, ok := s.sessionUser(r)
	if !ok {
		switch first {
		case "login":
			s.sendPage(w, pageLogin)
		case "register":
			s.sendPage(w, pageRegister)
		case "share":
			s.sendPage(w, pageShare)
		default:
			redirect(w, "/login")
		}
		return
	}

	switch {
	case strings.HasPrefix(first, "~"):
		// Another user's listing is never shown; send the user to their own.
		if !strings.EqualFold(first, "~"+user) {
			segs[0] = "~" + user
			redirect(w, "/"+strings.Join(segs, "/"))
			return
		}
		s.sendPage(w, pageMain)
	case first == "preview":
		s.sendPage(w, pagePreview)
	case first == "share":
		s.sendPage(w, pageShare)
	case first == "logout":
		if err := s.sessions.Logout(r.Cookie(sessionCookie)); err != nil {
			log.Printf("[http] logout: %v", err)
		}
		w.SetCookie(httpwire.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1, HttpOnly: true, SameSite: "Lax"})
		redirect(w, "/login")
	default:
		redirect(w, "/~"+user)
	}
}
