package httpwire

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// decodeBody undoes the Content-Encoding codings listed in header, last
// applied first. Output beyond max aborts decoding with ErrPayloadTooLarge.
func decodeBody(body *Body, header string, max int64, sp *spool) (*Body, error) {
	codings := splitCodings(header)
	if len(codings) == 0 {
		return body, nil
	}
	var r io.Reader = body
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for i := len(codings) - 1; i >= 0; i-- {
		switch codings[i] {
		case "identity":
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, badRequest("invalid gzip body")
			}
			closers = append(closers, zr)
			r = zr
		case "deflate":
			zr, err := zlib.NewReader(r)
			if err != nil {
				return nil, badRequest("invalid deflate body")
			}
			closers = append(closers, zr)
			r = zr
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, codings[i])
		}
	}

	n, err := io.Copy(sp, io.LimitReader(r, max+1))
	if err != nil {
		sp.discard()
		return nil, badRequest("corrupt compressed body")
	}
	if n > max {
		sp.discard()
		return nil, fmt.Errorf("%w: decoded body over %d bytes", ErrPayloadTooLarge, max)
	}
	return sp.finish()
}

func splitCodings(header string) []string {
	var out []string
	for _, c := range strings.Split(header, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// negotiateEncoding picks the coding for a response from an Accept-Encoding
// header, preferring gzip over deflate at equal weight. "" means identity.
func negotiateEncoding(accept string) string {
	best, bestQ := "", 0.0
	wildcard := -1.0
	explicit := map[string]float64{}
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(k, "q") {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					q = f
				}
			}
		}
		if name == "*" {
			wildcard = q
			continue
		}
		explicit[name] = q
	}
	for _, coding := range []string{"gzip", "deflate"} {
		q, ok := explicit[coding]
		if !ok && coding == "gzip" {
			q, ok = explicit["x-gzip"]
		}
		if !ok {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = coding, q
		}
	}
	return best
}

// compress encodes b with coding.
func compress(coding string, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, coding)
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
