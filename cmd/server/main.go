// Server accepts log batches from device agents over WebSocket, persists
// them to the configured store, and fans them out to authorized live
// dashboard viewers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	accountrepo "github.com/logflume/logflume/internal/account/repository"
	"github.com/logflume/logflume/internal/alias"
	aliasrepo "github.com/logflume/logflume/internal/alias/repository"
	"github.com/logflume/logflume/internal/auth"
	"github.com/logflume/logflume/internal/config"
	"github.com/logflume/logflume/internal/db"
	"github.com/logflume/logflume/internal/events"
	"github.com/logflume/logflume/internal/gateway"
	"github.com/logflume/logflume/internal/router"
	"github.com/logflume/logflume/internal/security"
	sessionrepo "github.com/logflume/logflume/internal/session/repository"
	"github.com/logflume/logflume/internal/viewer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		store    sessionrepo.Store
		aliases  aliasrepo.Repository
		accounts accountrepo.Repository
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer sqlDB.Close()
		store = sessionrepo.NewPostgresStore(sqlDB)
		aliases = aliasrepo.NewPostgresRepository(sqlDB)
		accounts = accountrepo.NewPostgresRepository(sqlDB)
	case config.StoreBolt:
		boltDB, err := bolt.Open(cfg.BoltPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			log.Fatalf("bolt: %v", err)
		}
		defer boltDB.Close()
		store, err = sessionrepo.NewBoltStore(boltDB)
		if err != nil {
			log.Fatalf("bolt: %v", err)
		}
		aliases = aliasrepo.NewMemoryRepository()
		accounts = accountrepo.NewMemoryRepository()
	default:
		store = sessionrepo.NewMemoryStore()
		aliases = aliasrepo.NewMemoryRepository()
		accounts = accountrepo.NewMemoryRepository()
	}

	resolver := alias.NewResolver(aliases)

	var policy auth.Policy
	switch cfg.AuthPolicy {
	case config.AuthAPIKey:
		hasher := security.NewHasher(cfg.BcryptCost)
		tokens := security.NewTokenProvider([]byte(cfg.SessionSecret), "logflume", cfg.SessionTokenTTL())
		policy = auth.NewAPIKeyPolicy(accounts, hasher, tokens)
	default:
		policy = auth.NewNoAuthPolicy()
	}

	emitter := events.NewKafkaEmitter(cfg.KafkaBrokersList(), cfg.EventsKafkaTopic)
	if emitter != nil {
		defer emitter.Close()
		log.Printf("events: emitting to kafka topic %s", cfg.EventsKafkaTopic)
	}

	registry := viewer.NewRegistry()
	var pipelineEmitter events.Emitter
	if emitter != nil {
		pipelineEmitter = emitter
	}
	pipeline := router.New(store, resolver, policy, registry, pipelineEmitter, cfg.StoreCallTimeout())
	handler := gateway.NewServer(pipeline, store, resolver, policy, registry, cfg.ViewerBuffer)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s (store=%s, auth=%s)", cfg.HTTPAddr, cfg.StoreBackend, cfg.AuthPolicy)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	for _, c := range registry.Snapshot() {
		c.Close()
	}
	log.Println("server stopped")
}
