package httpwire

import (
	"encoding/base64"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is a fully framed request with its body decoded.
type Request struct {
	Method   string
	Target   string
	Path     string
	RawQuery string
	Query    url.Values
	Proto    string
	Header   textproto.MIMEHeader
	Body     *Body

	// ContentLength is the decoded body size.
	ContentLength int64

	// Close is set when the peer asked for the connection to end after
	// this exchange.
	Close bool

	RemoteAddr string
	TLS        bool

	expectContinue bool
}

// ProtoAtLeast reports whether the request uses HTTP/1.minor or newer.
func (r *Request) ProtoAtLeast(minor int) bool {
	switch r.Proto {
	case "HTTP/1.1":
		return minor <= 1
	case "HTTP/1.0":
		return minor <= 0
	}
	return false
}

// Cookie returns the value of the named cookie, or "".
func (r *Request) Cookie(name string) string {
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				return strings.Trim(v, `"`)
			}
		}
	}
	return ""
}

// BasicAuth returns the credentials of an Authorization: Basic header.
func (r *Request) BasicAuth() (user, password string, ok bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, password, ok = strings.Cut(string(raw), ":")
	return user, password, ok
}

// HasToken reports whether the comma-separated header name lists token.
func (r *Request) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values(name), token)
}

// Segments splits the decoded path into its non-empty components.
func (r *Request) Segments() []string {
	return SplitPath(r.Path)
}

// SplitPath splits a slash separated path into non-empty components.
func SplitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
