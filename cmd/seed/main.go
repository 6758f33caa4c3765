// seed inserts a development viewer account for local testing.
// Idempotent: skips the insert if the dev account already exists.
package main

import (
	"context"
	"log"
	"time"

	accountdomain "github.com/logflume/logflume/internal/account/domain"
	accountrepo "github.com/logflume/logflume/internal/account/repository"
	"github.com/logflume/logflume/internal/config"
	"github.com/logflume/logflume/internal/db"
	"github.com/logflume/logflume/internal/security"
)

const (
	devUsername = "dev"
	devPassword = "password123"
	devAPIKey   = "dev-key-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	accounts := accountrepo.NewPostgresRepository(conn)

	existing, err := accounts.GetByUsername(ctx, devUsername)
	if err != nil {
		log.Fatalf("seed: lookup: %v", err)
	}
	if existing != nil {
		log.Printf("seed: account %q already exists, nothing to do", devUsername)
		return
	}

	hash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("seed: hash: %v", err)
	}
	err = accounts.Create(ctx, &accountdomain.Account{
		APIKey:       devAPIKey,
		Username:     devUsername,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("seed: create: %v", err)
	}
	log.Printf("seed: created account %q with api key %q", devUsername, devAPIKey)
}
