package server

import (
	"context"
	"log"
	"time"
)

// orphanGrace is how old an unreferenced blob or staged upload must be
// before the sweeper removes it. Uploads in flight are younger.
const orphanGrace = time.Hour

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.every(ctx, 10*time.Minute, s.pruneSessions)
	go s.every(ctx, time.Hour, s.sweepOrphans)
	go s.every(ctx, time.Minute, s.pruneLocks)
}

func (s *Server) every(ctx context.Context, interval time.Duration, fn func() int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			fn()
		}
	}
}

// --- Session Pruning Worker ---

// pruneSessions deletes expired login sessions. Returns the number removed.
func (s *Server) pruneSessions() int {
	n, err := s.sessions.PruneExpired()
	if err != nil {
		log.Printf("[worker] prune sessions: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("[worker] pruned %d expired sessions", n)
	}
	return n
}

// --- Orphan Sweep Worker ---

// sweepOrphans removes blob files no node references and abandoned staged
// uploads, both older than orphanGrace.
func (s *Server) sweepOrphans() int {
	n, err := s.tree.SweepOrphans(time.Now().Add(-orphanGrace))
	if err != nil {
		log.Printf("[worker] sweep orphans: %v", err)
	}
	if n > 0 {
		log.Printf("[worker] removed %d orphaned files", n)
	}
	return n
}

// --- Lock Expiry Worker ---

// pruneLocks drops WebDAV locks whose timeout has passed.
func (s *Server) pruneLocks() int {
	n := s.dav.Locks().Prune()
	if n > 0 {
		log.Printf("[worker] released %d expired locks", n)
	}
	return n
}
