package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coscribe/api/internal/access"
	"coscribe/api/internal/app"
	"coscribe/api/internal/authpw"
	"coscribe/api/internal/collab"
	"coscribe/api/internal/config"
	"coscribe/api/internal/session"
	"coscribe/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	secret := []byte(cfg.CollabSecret)
	service := app.NewService(
		dataStore,
		redisStore,
		authpw.NewService(dataStore),
		access.NewResolver(dataStore),
		secret,
		cfg.CollabTTL,
		cfg.SessionTTL,
	)

	bridge := collab.NewBridge(dataStore)
	manager := collab.NewManager(bridge, cfg.SaveDebounce)
	gateway := collab.NewGateway(secret, manager, redisStore)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/collab/", gateway)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Coscribe API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Flush converged document state before the process exits.
	manager.Shutdown(shutdownCtx)
}
