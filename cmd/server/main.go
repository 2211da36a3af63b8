package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"wirechat/internal/app"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("WIRECHAT_ADDR", ":7900"), "chat protocol listen address")
	adminAddr := flag.String("admin-addr", getEnv("WIRECHAT_ADMIN_ADDR", ":9180"), "admin HTTP listen address (metrics, health); empty disables it")
	dbPath := flag.String("db", app.DefaultDBPath(), "path to the SQLite database file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{
		Addr:      *addr,
		AdminAddr: *adminAddr,
		DBPath:    *dbPath,
	})
	if err != nil {
		log.Fatalf("start server: %v", err)
	}
	log.Printf("wirechat server listening on %s (admin %s, db %s)", handle.Addr(), handle.AdminAddr(), *dbPath)

	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
