package httpwire

import (
	"bytes"
	"io"
	"os"
)

// spool collects a request body in memory and moves it to a temp file once
// it grows past threshold.
type spool struct {
	dir       string
	threshold int64
	buf       bytes.Buffer
	file      *os.File
	n         int64
}

func newSpool(dir string, threshold int64) *spool {
	return &spool{dir: dir, threshold: threshold}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.buf.Len()+len(p)) > s.threshold {
		f, err := os.CreateTemp(s.dir, "body-*")
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(s.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
		s.buf = bytes.Buffer{}
		s.file = f
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.n += int64(n)
	return n, err
}

// finish hands the collected bytes over as a Body. The spool must not be
// used afterwards.
func (s *spool) finish() (*Body, error) {
	if s.file == nil {
		return &Body{mem: bytes.NewReader(s.buf.Bytes()), size: s.n}, nil
	}
	f := s.file
	s.file = nil
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &Body{file: f, size: s.n}, nil
}

func (s *spool) discard() {
	if s.file != nil {
		s.file.Close()
		os.Remove(s.file.Name())
		s.file = nil
	}
	s.buf = bytes.Buffer{}
}

// Body is a fully received request body, held in memory or in a temp file.
type Body struct {
	mem  *bytes.Reader
	file *os.File
	size int64
}

// NewBody wraps an in-memory payload.
func NewBody(b []byte) *Body {
	return &Body{mem: bytes.NewReader(b), size: int64(len(b))}
}

func (b *Body) Read(p []byte) (int, error) {
	switch {
	case b == nil:
		return 0, io.EOF
	case b.file != nil:
		return b.file.Read(p)
	case b.mem != nil:
		return b.mem.Read(p)
	}
	return 0, io.EOF
}

// Size is the total body length in bytes.
func (b *Body) Size() int64 {
	if b == nil {
		return 0
	}
	return b.size
}

// Close releases the temp file, if any.
func (b *Body) Close() error {
	if b == nil || b.file == nil {
		return nil
	}
	err := b.file.Close()
	os.Remove(b.file.Name())
	b.file = nil
	return err
}
