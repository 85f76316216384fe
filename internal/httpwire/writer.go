package httpwire

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// WriteOptions tunes response serialization.
type WriteOptions struct {
	// CompressMinSize is the smallest buffered body considered for
	// compression.
	CompressMinSize int
	Server          string
	Now             func() time.Time
}

// WriteResponse serializes resp as the answer to req and flushes w. It
// reports whether the connection may carry another request. req may be nil
// for responses to requests that could not be parsed.
func WriteResponse(w *bufio.Writer, resp *Response, req *Request, opts WriteOptions) (keepAlive bool, err error) {
	defer resp.Release()

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	h := resp.Header
	h.Set("Date", now().UTC().Format(http.TimeFormat))
	if opts.Server != "" && h.Get("Server") == "" {
		h.Set("Server", opts.Server)
	}

	closing := resp.closed || req == nil || req.Close
	head := req != nil && req.Method == "HEAD"
	bodyAllowed := status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified

	body := resp.buf.Bytes()
	if bodyAllowed && resp.stream == nil && resp.compress && req != nil &&
		h.Get("Content-Encoding") == "" && len(body) >= opts.CompressMinSize {
		h.Add("Vary", "Accept-Encoding")
		if coding := negotiateEncoding(req.Header.Get("Accept-Encoding")); coding != "" {
			if c, err := compress(coding, body); err == nil && len(c) < len(body) {
				body = c
				h.Set("Content-Encoding", coding)
			}
		}
	}

	chunked := false
	h.Del("Transfer-Encoding")
	switch {
	case !bodyAllowed:
		h.Del("Content-Length")
	case resp.stream == nil:
		h.Set("Content-Length", strconv.Itoa(len(body)))
	case resp.size >= 0:
		h.Set("Content-Length", strconv.FormatInt(resp.size, 10))
	case req != nil && req.ProtoAtLeast(1):
		chunked = true
		h.Set("Transfer-Encoding", "chunked")
	default:
		closing = true
	}

	switch {
	case closing:
		h.Set("Connection", "close")
	case !req.ProtoAtLeast(1):
		h.Set("Connection", "keep-alive")
	}

	if err := writeHead(w, status, h); err != nil {
		return false, err
	}
	if bodyAllowed && !head {
		if err := writeBody(w, resp, body, chunked); err != nil {
			return false, err
		}
	}
	if err := w.Flush(); err != nil {
		return false, err
	}
	return !closing, nil
}

func writeHead(w *bufio.Writer, status int, h map[string][]string) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeBody(w *bufio.Writer, resp *Response, body []byte, chunked bool) error {
	if resp.stream == nil {
		_, err := w.Write(body)
		return err
	}
	if chunked {
		cw := &chunkedWriter{w: w}
		if _, err := io.Copy(cw, resp.stream); err != nil {
			return err
		}
		return cw.Close()
	}
	n, err := io.CopyN(w, resp.stream, resp.size)
	if err != nil {
		return fmt.Errorf("stream body: wrote %d of %d bytes: %w", n, resp.size, err)
	}
	return nil
}

// WriteContinue sends the interim 100 Continue response.
func WriteContinue(w *bufio.Writer) error {
	if _, err := w.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// WriteError answers a request that failed before dispatch. The connection
// is always closed afterwards.
func WriteError(w *bufio.Writer, err error, opts WriteOptions) error {
	status := StatusOf(err)
	resp := NewResponse()
	resp.Status = status
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(resp, "%d %s\n", status, http.StatusText(status))
	resp.CloseConnection()
	_, werr := WriteResponse(w, resp, nil, opts)
	return werr
}
