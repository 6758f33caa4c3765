package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/logflume/logflume/internal/account/domain"
)

// ErrUsernameTaken is returned by Create when the username already exists.
var ErrUsernameTaken = errors.New("username already exists")

// MemoryRepository is an in-memory account Repository, used in tests and in
// deployments that seed accounts at startup.
type MemoryRepository struct {
	mu         sync.RWMutex
	byUsername map[string]*domain.Account
}

// NewMemoryRepository returns an empty in-memory account repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byUsername: make(map[string]*domain.Account)}
}

// GetByUsername implements Repository.GetByUsername.
func (r *MemoryRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUsername[username], nil
}

// Create implements Repository.Create.
func (r *MemoryRepository) Create(ctx context.Context, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUsername[a.Username]; ok {
		return ErrUsernameTaken
	}
	cp := *a
	r.byUsername[a.Username] = &cp
	return nil
}
