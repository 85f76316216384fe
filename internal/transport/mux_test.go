package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo answers with the method, path and body it received.
var echo = httpwire.HandlerFunc(func(w *httpwire.Response, r *httpwire.Request) {
	if r.Path == "/panic" {
		panic("boom")
	}
	body, _ := io.ReadAll(r.Body)
	w.Header.Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s %s %s", r.Method, r.Path, body)
})

func start(t *testing.T, h httpwire.Handler, cfg Config) (*Multiplexer, string) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	if cfg.Limits.MaxHeaderSize == 0 {
		cfg.Limits = httpwire.DefaultLimits()
		cfg.Limits.TempDir = t.TempDir()
	}
	m := New(h, cfg)
	go m.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, ln.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c, bufio.NewReader(c)
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(b)
}

func TestMultiplexer_KeepAliveInOrder(t *testing.T) {
	_, addr := start(t, echo, Config{})
	c, br := dial(t, addr)

	// Three pipelined requests written in one go.
	_, err := io.WriteString(c,
		"GET /one HTTP/1.1\r\nHost: h\r\n\r\n"+
			"POST /two HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc"+
			"GET /three HTTP/1.1\r\nHost: h\r\n\r\n")
	require.NoError(t, err)

	for _, want := range []string{"GET /one ", "POST /two abc", "GET /three "} {
		resp, body := readResponse(t, br, "GET")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, body)
	}
}

func TestMultiplexer_SplitAcrossWrites(t *testing.T) {
	_, addr := start(t, echo, Config{})
	c, br := dial(t, addr)

	raw := "PUT /slow HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	for i := 0; i < len(raw); i += 7 {
		end := i + 7
		if end > len(raw) {
			end = len(raw)
		}
		_, err := io.WriteString(c, raw[i:end])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, body := readResponse(t, br, "PUT")
	assert.Equal(t, "PUT /slow hello world", body)
}

func TestMultiplexer_ManyConnections(t *testing.T) {
	m, addr := start(t, echo, Config{})

	// Hold one connection open mid-request; the others must not wait on it.
	stalled, _ := dial(t, addr)
	io.WriteString(stalled, "POST /stalled HTTP/1.1\r\nHost: h\r\nContent-Length: 100\r\n\r\npartial")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", addr)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			c.SetDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(c, "GET /c%d HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", i)
			resp, err := http.ReadResponse(bufio.NewReader(c), &http.Request{Method: "GET"})
			if !assert.NoError(t, err) {
				return
			}
			b, _ := io.ReadAll(resp.Body)
			assert.Equal(t, fmt.Sprintf("GET /c%d ", i), string(b))
		}(i)
	}
	wg.Wait()
	assert.GreaterOrEqual(t, m.ActiveConnections(), 1)
}

func TestMultiplexer_ProtocolErrorClosesOnlyThatConnection(t *testing.T) {
	_, addr := start(t, echo, Config{})

	bad, badReader := dial(t, addr)
	io.WriteString(bad, "NONSENSE\r\n\r\n")
	resp, _ := readResponse(t, badReader, "GET")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, err := badReader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	good, goodReader := dial(t, addr)
	io.WriteString(good, "GET /fine HTTP/1.1\r\nHost: h\r\n\r\n")
	_, body := readResponse(t, goodReader, "GET")
	assert.Equal(t, "GET /fine ", body)
}

func TestMultiplexer_PanicRecovered(t *testing.T) {
	_, addr := start(t, echo, Config{})
	c, br := dial(t, addr)

	io.WriteString(c, "GET /panic HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, _ := readResponse(t, br, "GET")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, resp.Close)

	c2, br2 := dial(t, addr)
	io.WriteString(c2, "GET /after HTTP/1.1\r\nHost: h\r\n\r\n")
	_, body := readResponse(t, br2, "GET")
	assert.Equal(t, "GET /after ", body)
}

func TestMultiplexer_ExpectContinue(t *testing.T) {
	_, addr := start(t, echo, Config{})
	c, br := dial(t, addr)

	io.WriteString(c, "PUT /up HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n", line)
	blank, _ := br.ReadString('\n')
	assert.Equal(t, "\r\n", blank)

	io.WriteString(c, "data")
	_, body := readResponse(t, br, "PUT")
	assert.Equal(t, "PUT /up data", body)
}

func TestMultiplexer_PayloadTooLarge(t *testing.T) {
	limits := httpwire.DefaultLimits()
	limits.TempDir = t.TempDir()
	limits.MaxBodySize = 8
	_, addr := start(t, echo, Config{Limits: limits})
	c, br := dial(t, addr)

	io.WriteString(c, "PUT /big HTTP/1.1\r\nHost: h\r\nContent-Length: 9\r\n\r\n123456789")
	resp, _ := readResponse(t, br, "PUT")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.True(t, resp.Close)
}

func TestMultiplexer_IdleTimeout(t *testing.T) {
	_, addr := start(t, echo, Config{IdleTimeout: 100 * time.Millisecond})
	_, br := dial(t, addr)

	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMultiplexer_Shutdown(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	m := New(echo, Config{})
	served := make(chan error, 1)
	go func() { served <- m.Serve(ln) }()

	c, br := dial(t, ln.Addr().String())
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	readResponse(t, br, "GET")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, errors.Is(<-served, ErrServerClosed))
	assert.Equal(t, 0, m.ActiveConnections())
	assert.ErrorIs(t, m.Serve(ln), ErrServerClosed)
}

func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestListenTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	ln, err := ListenTLS("127.0.0.1:0", certFile, keyFile)
	require.NoError(t, err)

	secure := make(chan bool, 1)
	h := httpwire.HandlerFunc(func(w *httpwire.Response, r *httpwire.Request) {
		secure <- r.TLS
		w.WriteString("over tls")
	})
	m := New(h, Config{})
	go m.Serve(ln)
	defer m.Shutdown(context.Background())

	c, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer c.Close()
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	_, body := readResponse(t, bufio.NewReader(c), "GET")
	assert.Equal(t, "over tls", body)
	assert.True(t, <-secure)
}

func TestListenTLS_MissingFiles(t *testing.T) {
	_, err := ListenTLS("127.0.0.1:0", "/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "load key pair"))
}
