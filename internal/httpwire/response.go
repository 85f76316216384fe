package httpwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Handler answers one request by filling in a Response.
type Handler interface {
	ServeWire(w *Response, r *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *Response, r *Request)

func (f HandlerFunc) ServeWire(w *Response, r *Request) { f(w, r) }

// Response is built by a handler and serialized by the transport once the
// handler returns. Bodies are either buffered through Write or streamed from
// a reader set with Stream.
type Response struct {
	Status int
	Header textproto.MIMEHeader

	buf      bytes.Buffer
	stream   io.Reader
	size     int64
	compress bool
	closed   bool
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{Status: http.StatusOK, Header: make(textproto.MIMEHeader), size: -1}
}

// WriteHeader sets the status code.
func (w *Response) WriteHeader(status int) { w.Status = status }

// Write appends to the buffered body.
func (w *Response) Write(p []byte) (int, error) { return w.buf.Write(p) }

// WriteString appends to the buffered body.
func (w *Response) WriteString(s string) (int, error) { return w.buf.WriteString(s) }

// Stream sends r as the body. size is the exact length, or -1 when unknown,
// in which case the body goes out chunked. If r is an io.Closer it is closed
// after the body has been written.
func (w *Response) Stream(r io.Reader, size int64) {
	w.stream = r
	w.size = size
}

// Compress opts the buffered body in to content-coding negotiation.
func (w *Response) Compress() { w.compress = true }

// CloseConnection asks the transport to close the connection after this
// response.
func (w *Response) CloseConnection() { w.closed = true }

// Release closes a streamed body that was never written.
func (w *Response) Release() {
	if c, ok := w.stream.(io.Closer); ok {
		c.Close()
	}
	w.stream = nil
}

// Reset discards everything the handler wrote and turns the response into a
// bare status that closes the connection.
func (w *Response) Reset(status int) {
	w.Release()
	w.Status = status
	w.Header = make(textproto.MIMEHeader)
	w.buf.Reset()
	w.size = -1
	w.compress = false
	w.closed = true
}

// JSON writes v as an application/json body.
func (w *Response) JSON(status int, v any) {
	w.Header.Set("Content-Type", "application/json")
	w.Status = status
	w.buf.Reset()
	json.NewEncoder(&w.buf).Encode(v)
	w.compress = true
}

// Error writes a JSON error body of the form {"message": msg}.
func (w *Response) Error(status int, msg string) {
	w.JSON(status, map[string]string{"message": msg})
}

// Redirect answers with a 303 to location.
func (w *Response) Redirect(location string) {
	w.Header.Set("Location", location)
	w.Status = http.StatusSeeOther
}

// Cookie is a Set-Cookie directive.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	MaxAge   int
	Expires  time.Time
	Secure   bool
	HttpOnly bool
	SameSite string
}

func (c Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", c.Name, c.Value)
	if c.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", c.Path)
	}
	if !c.Expires.IsZero() {
		fmt.Fprintf(&b, "; Expires=%s", c.Expires.UTC().Format(http.TimeFormat))
	}
	switch {
	case c.MaxAge > 0:
		fmt.Fprintf(&b, "; Max-Age=%d", c.MaxAge)
	case c.MaxAge < 0:
		b.WriteString("; Max-Age=0")
	}
	if c.SameSite != "" {
		fmt.Fprintf(&b, "; SameSite=%s", c.SameSite)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	return b.String()
}

// SetCookie adds a Set-Cookie header.
func (w *Response) SetCookie(c Cookie) {
	w.Header.Add("Set-Cookie", c.String())
}
