// Package repository defines persistence for dashboard viewer accounts.
package repository

import (
	"context"

	"github.com/logflume/logflume/internal/account/domain"
)

// Repository persists viewer accounts. GetByUsername returns (nil, nil) for
// an unknown username; errors are reserved for backend failures so login
// handling can stay constant-shaped regardless of whether the account exists.
type Repository interface {
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
}
