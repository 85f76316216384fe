package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/sha3"
)

// sniffLen is how much of an upload is kept for content type detection.
const sniffLen = 3072

// BlobStore keeps file payloads on disk under their SHA3-256 content address.
// Names live in the nodes table; blobs only know their hash.
type BlobStore struct {
	dir string
	tmp string
}

// Staged is an upload that has been hashed into the tmp directory but not yet
// committed to the store.
type Staged struct {
	Ref  string
	Size int64
	// Mime is the content type detected from the leading bytes.
	Mime string
	path string
}

// headWriter keeps the first sniffLen bytes written to it.
type headWriter struct{ b []byte }

func (w *headWriter) Write(p []byte) (int, error) {
	if room := sniffLen - len(w.b); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.b = append(w.b, p[:room]...)
	}
	return len(p), nil
}

// NewBlobStore creates <dataDir>/blobs and <dataDir>/tmp.
func NewBlobStore(dataDir string) (*BlobStore, error) {
	s := &BlobStore{
		dir: filepath.Join(dataDir, "blobs"),
		tmp: filepath.Join(dataDir, "tmp"),
	}
	for _, d := range []string{s.dir, s.tmp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, ioError("create blob dir", err)
		}
	}
	return s, nil
}

func validRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// Path returns the on-disk location of ref, sharded by its first two hex digits.
func (s *BlobStore) Path(ref string) (string, error) {
	if !validRef(ref) {
		return "", fmt.Errorf("blob path %q: %w", ref, ErrNotFound)
	}
	return filepath.Join(s.dir, ref[:2], ref), nil
}

// Stage copies r into a temp file while hashing it. The result must be
// committed or discarded.
func (s *BlobStore) Stage(r io.Reader) (*Staged, error) {
	f, err := os.CreateTemp(s.tmp, "upload-*")
	if err != nil {
		return nil, ioError("stage blob", err)
	}
	h := sha3.New256()
	head := &headWriter{}
	n, err := io.Copy(io.MultiWriter(f, h, head), r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("stage blob: %w", err)
	}
	return &Staged{
		Ref:  hex.EncodeToString(h.Sum(nil)),
		Size: n,
		Mime: mimetype.Detect(head.b).String(),
		path: f.Name(),
	}, nil
}

// Discard removes a staged upload that will not be committed.
func (s *BlobStore) Discard(st *Staged) {
	if st != nil && st.path != "" {
		os.Remove(st.path)
	}
}

// commit moves a staged upload into place. If the content already exists the
// staged copy is dropped. Callers hold the blob lock for st.Ref.
func (s *BlobStore) commit(st *Staged) error {
	dst, err := s.Path(st.Ref)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(dst); err == nil && fi.Mode().IsRegular() {
		os.Remove(st.path)
		st.path = ""
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ioError("commit blob", err)
	}
	if err := os.Rename(st.path, dst); err != nil {
		return ioError("commit blob", err)
	}
	st.path = ""
	return nil
}

// Open opens the blob for reading.
func (s *BlobStore) Open(ref string) (*os.File, error) {
	p, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open blob %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, ioError("open blob", err)
	}
	return f, nil
}

// Remove deletes the blob file. A missing file is not an error.
func (s *BlobStore) Remove(ref string) error {
	p, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("remove blob", err)
	}
	return nil
}

// Walk calls fn for every blob file older than cutoff.
func (s *BlobStore) Walk(cutoff time.Time, fn func(ref string) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !validRef(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		return fn(d.Name())
	})
}

// PruneTmp removes staged uploads last touched before cutoff and returns how
// many were removed.
func (s *BlobStore) PruneTmp(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.tmp)
	if err != nil {
		return 0, ioError("read tmp dir", err)
	}
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.tmp, e.Name())) == nil {
			n++
		}
	}
	return n, nil
}

// TempDir is where in-flight uploads and spooled request bodies are written.
func (s *BlobStore) TempDir() string { return s.tmp }
