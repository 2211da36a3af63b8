package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	intrnl "wirechat/internal"
	"wirechat/internal/storage"
)

// ServerHandle represents a running chat server instance.
type ServerHandle struct {
	addr      string
	adminAddr string
	cancel    context.CancelFunc
	admin     *http.Server
	done      chan struct{}
	err       error
}

// Addr returns the actual chat listen address (after the OS allocated a
// port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// AdminAddr returns the admin HTTP listen address, or "" when disabled.
func (h *ServerHandle) AdminAddr() string {
	return h.adminAddr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.cancel()
	if h.admin != nil {
		if err := h.admin.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, and starts the chat
// server and admin endpoint in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %s is not a TCP address", cfg.Addr)
	}

	registry := prometheus.NewRegistry()
	metrics := intrnl.NewMetrics(registry)
	server := intrnl.NewServer(store, metrics)

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	handle := &ServerHandle{
		addr:   tcpLn.Addr().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			cancel()
			_ = tcpLn.Close()
			_ = store.Close()
			return nil, fmt.Errorf("admin listen: %w", err)
		}
		handle.adminAddr = adminLn.Addr().String()
		handle.admin = &http.Server{Handler: intrnl.NewAdminHandler(registry)}
		go func() {
			if err := handle.admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server error: %v", err)
			}
		}()
	}

	go func() {
		defer close(handle.done)
		handle.err = server.Run(runCtx, tcpLn)
		if handle.admin != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			_ = handle.admin.Shutdown(shutdownCtx)
			cancelShutdown()
		}
		if err := store.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}()

	return handle, nil
}
