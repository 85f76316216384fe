package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ssd-technologies/cellar/internal/session"
	"github.com/ssd-technologies/cellar/internal/storage"
	"github.com/ssd-technologies/cellar/internal/webdav"
)

func TestPruneSessions(t *testing.T) {
	db, tree := setupTestDB(t)
	srv := New(Options{
		Tree:     tree,
		Sessions: session.NewManager(db, tree, session.Options{BcryptCost: bcrypt.MinCost}),
		WebDir:   t.TempDir(),
	})
	require.NoError(t, db.CreateUser(&storage.User{ID: "alice", Email: "a@example.com", PasswordHash: "x", CreatedAt: 1}))
	now := time.Now().Unix()
	sessions := []storage.Session{
		{ID: "old", UserID: "alice", ExpiresAt: now - 60, CreatedAt: now - 3600},
		{ID: "live", UserID: "alice", ExpiresAt: now + 3600, CreatedAt: now},
	}
	for i := range sessions {
		require.NoError(t, db.CreateSession(&sessions[i]))
	}

	assert.Equal(t, 1, srv.pruneSessions())
	_, err := db.GetSession("live")
	assert.NoError(t, err, "live session pruned")
	assert.Equal(t, 0, srv.pruneSessions(), "second pass")
}

func TestSweepOrphans(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "cellar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := storage.NewBlobStore(dir)
	require.NoError(t, err)
	tree := storage.NewEngine(db, blobs)
	srv := New(Options{
		Tree:     tree,
		Sessions: session.NewManager(db, tree, session.Options{BcryptCost: bcrypt.MinCost}),
		WebDir:   t.TempDir(),
	})
	cookie := login(t, srv, "alice")
	upload(t, srv, cookie, "", "kept.txt", "still referenced")

	stale := filepath.Join(blobs.TempDir(), "upload-abandoned")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	old := time.Now().Add(-2 * orphanGrace)
	require.NoError(t, os.Chtimes(stale, old, old))

	assert.Equal(t, 1, srv.sweepOrphans())
	assert.NoFileExists(t, stale)

	listing := do(t, srv, "GET", "/api/listall", cookie, nil, "").json(t)
	require.Len(t, listing, 1)
	for id := range listing {
		res := do(t, srv, "GET", "/api/"+id+"/download", cookie, nil, "")
		assert.Equal(t, "still referenced", string(res.body), "referenced blob lost")
	}
}

func TestPruneLocks(t *testing.T) {
	srv := setupTestServer(t)
	locks := srv.dav.Locks()
	_, err := locks.Create(webdav.Lock{User: "alice", Path: "/short", Exclusive: true}, time.Millisecond)
	require.NoError(t, err)
	long, err := locks.Create(webdav.Lock{User: "alice", Path: "/long", Exclusive: true}, time.Hour)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, srv.pruneLocks())
	got := locks.Find("alice", "/long")
	require.Len(t, got, 1, "live lock lost")
	assert.Equal(t, long.Token, got[0].Token)
}
