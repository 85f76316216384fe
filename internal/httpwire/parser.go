package httpwire

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// State is the position of a Parser within the current request.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateDispatchable
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateDispatchable:
		return "dispatchable"
	}
	return "unknown"
}

// Limits bounds what a Parser accepts.
type Limits struct {
	MaxHeaderSize  int
	MaxBodySize    int64
	MaxDecodedSize int64
	SpoolThreshold int64
	TempDir        string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderSize:  64 << 10,
		MaxBodySize:    1 << 30,
		MaxDecodedSize: 256 << 20,
		SpoolThreshold: 1 << 20,
		TempDir:        os.TempDir(),
	}
}

type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
)

// Parser assembles requests from a byte stream. Bytes are handed over with
// Feed as they arrive; a request may span any number of Feed calls and one
// Feed may carry several pipelined requests.
type Parser struct {
	limits Limits
	buf    []byte
	state  State
	req    *Request

	headerBytes int
	framing     framing
	remaining   int64
	chunks      chunkedDecoder
	body        *spool
	err         error
}

// NewParser returns a parser awaiting a request line.
func NewParser(l Limits) *Parser {
	if l.TempDir == "" {
		l.TempDir = os.TempDir()
	}
	if l.SpoolThreshold <= 0 {
		l.SpoolThreshold = 1 << 20
	}
	return &Parser{limits: l}
}

// State reports where the parser is within the current request.
func (p *Parser) State() State { return p.state }

// Buffered is the number of received bytes not yet consumed.
func (p *Parser) Buffered() int { return len(p.buf) }

// Feed appends data and advances the state machine as far as it can. Once
// Feed fails the parser stays failed.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.buf = append(p.buf, data...)
	return p.advance()
}

func (p *Parser) advance() error {
	for {
		var ok bool
		var err error
		switch p.state {
		case StateRequestLine:
			ok, err = p.parseRequestLine()
		case StateHeaders:
			ok, err = p.parseHeaders()
		case StateBody:
			ok, err = p.readBody()
		case StateDispatchable:
			return nil
		}
		if err != nil {
			p.fail(err)
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (p *Parser) fail(err error) {
	p.err = err
	if p.body != nil {
		p.body.discard()
		p.body = nil
	}
}

// ExpectsContinue reports whether the peer is waiting for an interim
// 100 Continue before sending the body it announced.
func (p *Parser) ExpectsContinue() bool {
	return p.state == StateBody && p.req != nil && p.req.expectContinue
}

// ContinueSent clears the pending 100-continue expectation.
func (p *Parser) ContinueSent() {
	if p.req != nil {
		p.req.expectContinue = false
	}
}

// Request returns the dispatchable request with its body decoded and resets
// the parser for the next request on the connection. Errors wrapping
// ErrPayloadTooLarge or ErrUnsupportedEncoding leave the connection usable.
func (p *Parser) Request() (*Request, error) {
	if p.state != StateDispatchable {
		return nil, fmt.Errorf("request not complete: %s", p.state)
	}
	req := p.req
	sp := p.body
	p.reset()

	if sp == nil {
		req.Body = NewBody(nil)
		return req, nil
	}
	body, err := sp.finish()
	if err != nil {
		return nil, fmt.Errorf("finish body: %w", err)
	}
	if enc := req.Header.Get("Content-Encoding"); enc != "" {
		decoded, err := decodeBody(body, enc, p.limits.MaxDecodedSize,
			newSpool(p.limits.TempDir, p.limits.SpoolThreshold))
		body.Close()
		if err != nil {
			req.Body = NewBody(nil)
			return req, err
		}
		req.Header.Del("Content-Encoding")
		body = decoded
	}
	req.Body = body
	req.ContentLength = body.Size()
	return req, nil
}

// Next advances over bytes already buffered for the following request.
func (p *Parser) Next() error {
	if p.err != nil {
		return p.err
	}
	return p.advance()
}

func (p *Parser) reset() {
	p.state = StateRequestLine
	p.req = nil
	p.headerBytes = 0
	p.framing = framingNone
	p.remaining = 0
	p.chunks = chunkedDecoder{}
	p.body = nil
}

// Close drops any partially received body.
func (p *Parser) Close() {
	if p.body != nil {
		p.body.discard()
		p.body = nil
	}
}

func (p *Parser) consume(n int) {
	rest := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
}

// readLine returns the next line without its terminator, or ok=false if no
// complete line has arrived. budget bounds the line length.
func (p *Parser) readLine(budget int, tooLong int) (line string, ok bool, err error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if len(p.buf) > budget {
			return "", false, &ProtocolError{Status: tooLong, Reason: "header section too large"}
		}
		return "", false, nil
	}
	if i+1 > budget {
		return "", false, &ProtocolError{Status: tooLong, Reason: "header section too large"}
	}
	line = string(bytes.TrimSuffix(p.buf[:i], []byte("\r")))
	p.headerBytes += i + 1
	p.consume(i + 1)
	return line, true, nil
}

func (p *Parser) headerBudget() int {
	return p.limits.MaxHeaderSize - p.headerBytes
}

func (p *Parser) parseRequestLine() (bool, error) {
	line, ok, err := p.readLine(p.headerBudget(), http.StatusRequestURITooLong)
	if err != nil || !ok {
		return false, err
	}
	if line == "" {
		// Stray CRLF between pipelined requests.
		p.headerBytes = 0
		return true, nil
	}

	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return false, badRequest("malformed request line")
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return false, badRequest("invalid method")
	}
	switch proto {
	case "HTTP/1.1", "HTTP/1.0":
	default:
		if strings.HasPrefix(proto, "HTTP/") {
			return false, &ProtocolError{Status: http.StatusHTTPVersionNotSupported, Reason: "unsupported version " + proto}
		}
		return false, badRequest("malformed protocol version")
	}

	req := &Request{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: make(textproto.MIMEHeader),
	}
	if target == "*" {
		if method != "OPTIONS" {
			return false, badRequest("asterisk target outside OPTIONS")
		}
		req.Path = "*"
	} else {
		u, err := url.ParseRequestURI(target)
		if err != nil {
			return false, badRequest("invalid request target")
		}
		req.Path = u.Path
		if req.Path == "" {
			req.Path = "/"
		}
		req.RawQuery = u.RawQuery
	}
	q, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		q = url.Values{}
	}
	req.Query = q

	p.req = req
	p.state = StateHeaders
	return true, nil
}

func (p *Parser) parseHeaders() (bool, error) {
	for {
		line, ok, err := p.readLine(p.headerBudget(), http.StatusRequestHeaderFieldsTooLarge)
		if err != nil || !ok {
			return false, err
		}
		if line == "" {
			return true, p.prepareBody()
		}
		if line[0] == ' ' || line[0] == '\t' {
			return false, badRequest("obsolete header folding")
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return false, badRequest("malformed header line")
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return false, badRequest("invalid header name")
		}
		value = textproto.TrimString(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return false, badRequest("invalid header value")
		}
		p.req.Header.Add(textproto.CanonicalMIMEHeaderKey(name), value)
	}
}

// prepareBody inspects the completed header section and decides how the
// body, if any, is framed.
func (p *Parser) prepareBody() error {
	req := p.req
	h := req.Header

	if req.ProtoAtLeast(1) && len(h.Values("Host")) == 0 {
		return badRequest("missing Host header")
	}
	if req.ProtoAtLeast(1) {
		req.Close = req.HasToken("Connection", "close")
	} else {
		req.Close = !req.HasToken("Connection", "keep-alive")
	}

	te := h.Values("Transfer-Encoding")
	cl := h.Values("Content-Length")
	switch {
	case len(te) > 0:
		if len(cl) > 0 {
			return badRequest("both Transfer-Encoding and Content-Length")
		}
		if !req.ProtoAtLeast(1) {
			return badRequest("Transfer-Encoding on HTTP/1.0")
		}
		codings := splitCodings(strings.Join(te, ","))
		if len(codings) != 1 || codings[0] != "chunked" {
			return &ProtocolError{Status: http.StatusNotImplemented, Reason: "unsupported transfer coding"}
		}
		p.framing = framingChunked
	case len(cl) > 0:
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		if n > p.limits.MaxBodySize {
			return fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, n)
		}
		if n > 0 {
			p.framing = framingLength
			p.remaining = n
		}
	}

	if p.framing == framingNone {
		p.state = StateDispatchable
		return nil
	}
	if expect := h.Get("Expect"); expect != "" {
		if !strings.EqualFold(expect, "100-continue") {
			return &ProtocolError{Status: http.StatusExpectationFailed, Reason: "unsupported expectation"}
		}
		req.expectContinue = req.ProtoAtLeast(1)
	}
	p.body = newSpool(p.limits.TempDir, p.limits.SpoolThreshold)
	p.state = StateBody
	return nil
}

func parseContentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = textproto.TrimString(part)
			if part == "" || strings.TrimLeft(part, "0123456789") != "" {
				return 0, badRequest("invalid Content-Length")
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, badRequest("invalid Content-Length")
			}
			if n >= 0 && m != n {
				return 0, badRequest("conflicting Content-Length values")
			}
			n = m
		}
	}
	return n, nil
}

func (p *Parser) readBody() (bool, error) {
	if len(p.buf) == 0 {
		return false, nil
	}
	switch p.framing {
	case framingLength:
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}
		if _, err := p.body.Write(p.buf[:n]); err != nil {
			return false, fmt.Errorf("spool body: %w", err)
		}
		p.consume(int(n))
		p.remaining -= n
		if p.remaining > 0 {
			return false, nil
		}
	case framingChunked:
		used, done, err := p.chunks.decode(p.buf, p.body, p.limits.MaxBodySize)
		p.consume(used)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	p.req.expectContinue = false
	p.state = StateDispatchable
	return true, nil
}
