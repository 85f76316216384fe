package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ssd-technologies/cellar/internal/config"
	"github.com/ssd-technologies/cellar/internal/httpwire"
	"github.com/ssd-technologies/cellar/internal/server"
	"github.com/ssd-technologies/cellar/internal/session"
	"github.com/ssd-technologies/cellar/internal/storage"
	"github.com/ssd-technologies/cellar/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "cellar.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	blobs, err := storage.NewBlobStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}
	tree := storage.NewEngine(db, blobs)
	sessions := session.NewManager(db, tree, session.Options{
		Lifetime:   cfg.SessionLifetime,
		BcryptCost: cfg.BcryptCost,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Options{
		Tree:     tree,
		Sessions: sessions,
		WebDir:   cfg.WebDir,
	})
	srv.StartWorkers(ctx)

	limits := httpwire.DefaultLimits()
	limits.MaxHeaderSize = int(cfg.MaxHeaderSize)
	limits.MaxBodySize = cfg.MaxBodySize
	limits.MaxDecodedSize = cfg.MaxDecodedSize
	limits.TempDir = blobs.TempDir()

	mux := transport.New(srv, transport.Config{
		Limits: limits,
		Write: httpwire.WriteOptions{
			CompressMinSize: int(cfg.CompressMinSize),
			Server:          "cellar",
		},
		IdleTimeout: cfg.IdleTimeout,
	})

	ln, err := transport.Listen(cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	listeners := []net.Listener{ln}
	if cfg.TLSEnabled() {
		tln, err := transport.ListenTLS(cfg.HTTPSAddr, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			log.Printf("HTTPS disabled: %v", err)
		} else {
			listeners = append(listeners, tln)
		}
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) { errCh <- mux.Serve(l) }(l)
	}

	log.Printf("Limits: body %s, decoded %s, header %s",
		humanize.IBytes(uint64(cfg.MaxBodySize)),
		humanize.IBytes(uint64(cfg.MaxDecodedSize)),
		humanize.IBytes(uint64(cfg.MaxHeaderSize)))
	fmt.Printf("Cellar running on http://localhost%s\n", displayAddr(cfg.HTTPAddr))
	if len(listeners) > 1 {
		fmt.Printf("Cellar running on https://localhost%s\n", displayAddr(cfg.HTTPSAddr))
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("Shutting down with %d open connections...", mux.ActiveConnections())
	case err := <-errCh:
		if err != nil && !errors.Is(err, transport.ErrServerClosed) {
			log.Printf("Listener failed: %v", err)
		}
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := mux.Shutdown(sctx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}

// displayAddr turns a listen address like ":8080" into a printable port.
func displayAddr(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ":" + port
}
