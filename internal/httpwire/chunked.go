package httpwire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	maxChunkLine   = 4 << 10
	maxTrailerSize = 8 << 10
)

type chunkState int

const (
	chunkSizeLine chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder strips chunked transfer framing incrementally. It keeps its
// position between calls, so framing may be split across any number of
// reads.
type chunkedDecoder struct {
	state     chunkState
	remaining int64
	total     int64
	trailer   int
}

// decode consumes framing from buf and writes payload bytes to w. It returns
// how many bytes of buf were consumed; done is set once the last chunk and
// trailer section have been read.
func (d *chunkedDecoder) decode(buf []byte, w io.Writer, max int64) (consumed int, done bool, err error) {
	for consumed < len(buf) || d.state == chunkDone {
		rest := buf[consumed:]
		switch d.state {
		case chunkSizeLine:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) > maxChunkLine {
					return consumed, false, badRequest("chunk size line too long")
				}
				return consumed, false, nil
			}
			size, err := parseChunkSize(rest[:i])
			if err != nil {
				return consumed, false, err
			}
			consumed += i + 1
			if size == 0 {
				d.state = chunkTrailer
				continue
			}
			d.total += size
			if d.total > max {
				return consumed, false, fmt.Errorf("%w: chunked body over %d bytes", ErrPayloadTooLarge, max)
			}
			d.remaining = size
			d.state = chunkData

		case chunkData:
			n := int64(len(rest))
			if n > d.remaining {
				n = d.remaining
			}
			if _, err := w.Write(rest[:n]); err != nil {
				return consumed, false, err
			}
			consumed += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}

		case chunkDataEnd:
			switch {
			case rest[0] == '\n':
				consumed++
			case rest[0] == '\r':
				if len(rest) < 2 {
					return consumed, false, nil
				}
				if rest[1] != '\n' {
					return consumed, false, badRequest("malformed chunk terminator")
				}
				consumed += 2
			default:
				return consumed, false, badRequest("chunk data longer than declared")
			}
			d.state = chunkSizeLine

		case chunkTrailer:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if d.trailer+len(rest) > maxTrailerSize {
					return consumed, false, badRequest("trailer section too large")
				}
				return consumed, false, nil
			}
			line := bytes.TrimRight(rest[:i], "\r")
			consumed += i + 1
			d.trailer += i + 1
			if d.trailer > maxTrailerSize {
				return consumed, false, badRequest("trailer section too large")
			}
			if len(line) == 0 {
				d.state = chunkDone
			}

		case chunkDone:
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

func parseChunkSize(line []byte) (int64, error) {
	s := strings.TrimRight(string(line), "\r")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 16 {
		return 0, badRequest("invalid chunk size")
	}
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil || size < 0 {
		return 0, badRequest("invalid chunk size")
	}
	return size, nil
}

// chunkedWriter frames everything written to it as chunks. Close writes the
// last chunk; it does not close the underlying writer.
type chunkedWriter struct {
	w *bufio.Writer
}

func (cw *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	_, err = cw.w.WriteString("\r\n")
	return n, err
}

func (cw *chunkedWriter) Close() error {
	_, err := cw.w.WriteString("0\r\n\r\n")
	return err
}
