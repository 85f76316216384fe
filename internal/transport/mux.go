package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/cellar/internal/httpwire"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

const (
	readBufferSize = 32 << 10
	deadlineSlack  = time.Second
)

// Config tunes a Multiplexer.
type Config struct {
	Limits       httpwire.Limits
	Write        httpwire.WriteOptions
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Multiplexer accepts connections from any number of listeners and serves
// each on its own goroutine. The runtime network poller parks a connection
// until its socket is readable; every wake-up performs one Read, feeds the
// bytes to that connection's parser and dispatches whatever requests became
// complete, in arrival order.
type Multiplexer struct {
	handler httpwire.Handler
	cfg     Config

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
	closing   atomic.Bool
}

// New creates a Multiplexer dispatching to h.
func New(h httpwire.Handler, cfg Config) *Multiplexer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Minute
	}
	if cfg.Limits.MaxHeaderSize <= 0 {
		cfg.Limits = httpwire.DefaultLimits()
	}
	return &Multiplexer{
		handler:   h,
		cfg:       cfg,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}
}

// Serve accepts connections on ln until ln fails or Shutdown is called.
func (m *Multiplexer) Serve(ln net.Listener) error {
	if !m.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer m.trackListener(ln, false)

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if m.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				log.Printf("[transport] accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		c := newConn(nc, m.cfg.WriteTimeout)
		if !m.trackConn(c, true) {
			nc.Close()
			return ErrServerClosed
		}
		go m.serveConn(c)
	}
}

// ActiveConnections is the number of connections currently open.
func (m *Multiplexer) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown stops all listeners, closes idle connections and waits for busy
// ones to finish their current exchange. When ctx ends first the remaining
// connections are closed and ctx.Err() is returned.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.mu.Lock()
	for ln := range m.listeners {
		ln.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.closeConns(false)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			m.closeConns(true)
			<-done
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Multiplexer) closeConns(all bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		if all || c.idle.Load() {
			c.nc.Close()
		}
	}
}

func (m *Multiplexer) trackListener(ln net.Listener, add bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		if m.closing.Load() {
			return false
		}
		m.listeners[ln] = struct{}{}
	} else {
		delete(m.listeners, ln)
	}
	return true
}

func (m *Multiplexer) trackConn(c *conn, add bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		if m.closing.Load() {
			return false
		}
		m.conns[c] = struct{}{}
		m.wg.Add(1)
	} else {
		delete(m.conns, c)
		m.wg.Done()
	}
	return true
}

// conn is the per-socket state: the parser holds the receive buffer and
// parse position, bw the pending outbound bytes.
type conn struct {
	nc     net.Conn
	bw     *bufio.Writer
	remote string
	secure bool
	idle   atomic.Bool
}

func newConn(nc net.Conn, writeTimeout time.Duration) *conn {
	c := &conn{nc: nc}
	if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		c.remote = host
	} else {
		c.remote = nc.RemoteAddr().String()
	}
	_, c.secure = nc.(*tls.Conn)
	c.bw = bufio.NewWriterSize(&deadlineWriter{nc: nc, timeout: writeTimeout}, 32<<10)
	return c
}

// deadlineWriter pushes the write deadline forward as long as the peer keeps
// accepting bytes, so long downloads only fail on a stalled peer.
type deadlineWriter struct {
	nc       net.Conn
	timeout  time.Duration
	deadline time.Time
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if d := time.Now().Add(w.timeout); d.Sub(w.deadline) >= deadlineSlack {
		if err := w.nc.SetWriteDeadline(d); err != nil {
			return 0, err
		}
		w.deadline = d
	}
	return w.nc.Write(p)
}

func (m *Multiplexer) serveConn(c *conn) {
	parser := httpwire.NewParser(m.cfg.Limits)
	defer func() {
		if v := recover(); v != nil {
			log.Printf("[transport] panic on connection from %s: %v\n%s", c.remote, v, debug.Stack())
		}
		parser.Close()
		c.nc.Close()
		m.trackConn(c, false)
	}()

	if tc, ok := c.nc.(*tls.Conn); ok {
		tc.SetDeadline(time.Now().Add(m.cfg.IdleTimeout))
		if err := tc.Handshake(); err != nil {
			log.Printf("[transport] tls handshake with %s: %v", c.remote, err)
			return
		}
		tc.SetDeadline(time.Time{})
	}

	buf := make([]byte, readBufferSize)
	for {
		for parser.State() == httpwire.StateDispatchable {
			if !m.dispatch(c, parser) {
				return
			}
			if err := parser.Next(); err != nil {
				m.reject(c, err)
				return
			}
		}
		if parser.ExpectsContinue() {
			if err := httpwire.WriteContinue(c.bw); err != nil {
				return
			}
			parser.ContinueSent()
		}

		idle := parser.State() == httpwire.StateRequestLine && parser.Buffered() == 0
		c.idle.Store(idle)
		if idle && m.closing.Load() {
			return
		}

		c.nc.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.idle.Store(false)
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				m.reject(c, ferr)
				return
			}
		}
		if err != nil {
			if parser.State() == httpwire.StateDispatchable {
				// Serve what arrived before the peer half-closed.
				continue
			}
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				if !idle {
					log.Printf("[transport] %s timed out mid-request", c.remote)
				}
			default:
				log.Printf("[transport] read from %s: %v", c.remote, err)
			}
			return
		}
	}
}

// reject answers a request the parser refused and ends the connection.
func (m *Multiplexer) reject(c *conn, err error) {
	log.Printf("[transport] %s: %v", c.remote, err)
	httpwire.WriteError(c.bw, err, m.cfg.Write)
}

// dispatch hands one complete request to the handler and writes the
// response. It reports whether the connection stays open.
func (m *Multiplexer) dispatch(c *conn, parser *httpwire.Parser) bool {
	req, err := parser.Request()
	if req == nil {
		log.Printf("[transport] %s: %v", c.remote, err)
		httpwire.WriteError(c.bw, err, m.cfg.Write)
		return false
	}
	defer req.Body.Close()
	req.RemoteAddr = c.remote
	req.TLS = c.secure

	resp := httpwire.NewResponse()
	if err != nil {
		status := httpwire.StatusOf(err)
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.WriteHeader(status)
		resp.WriteString(http.StatusText(status) + "\n")
	} else {
		m.serve(resp, req)
	}
	if m.closing.Load() {
		resp.CloseConnection()
	}

	keep, err := httpwire.WriteResponse(c.bw, resp, req, m.cfg.Write)
	if err != nil {
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			log.Printf("[transport] write to %s: %v", c.remote, err)
		}
		return false
	}
	return keep
}

func (m *Multiplexer) serve(resp *httpwire.Response, req *httpwire.Request) {
	defer func() {
		if v := recover(); v != nil {
			log.Printf("[transport] panic serving %s %s: %v\n%s", req.Method, req.Target, v, debug.Stack())
			resp.Reset(http.StatusInternalServerError)
		}
	}()
	m.handler.ServeWire(resp, req)
}
