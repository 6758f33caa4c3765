// Package alias resolves user-facing display names back to the raw device and
// app names that session keys are stored under. Renaming a device in the
// dashboard never rewrites historical sessions; resolution is a read-time join.
package alias

import (
	"context"
	"errors"
	"strings"

	"github.com/logflume/logflume/internal/alias/repository"
)

// ErrInvalidAlias is returned for an empty or whitespace-only alias value.
var ErrInvalidAlias = errors.New("alias must not be empty")

// Resolver canonicalizes device and app identities for one alias repository.
type Resolver struct {
	repo repository.Repository
}

// NewResolver returns a Resolver backed by repo.
func NewResolver(repo repository.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveDevice maps nameOrAlias to a raw device name. Unknown names pass
// through unchanged so first-contact registration of new devices works
// without lookups failing.
func (r *Resolver) ResolveDevice(ctx context.Context, apiKey, nameOrAlias string) (string, error) {
	rawName, err := r.repo.RawDeviceName(ctx, apiKey, nameOrAlias)
	if errors.Is(err, repository.ErrAliasNotFound) {
		return nameOrAlias, nil
	}
	if err != nil {
		return "", err
	}
	return rawName, nil
}

// ResolveApp maps nameOrAlias to a raw app name within the device scope, with
// the same pass-through policy as ResolveDevice.
func (r *Resolver) ResolveApp(ctx context.Context, apiKey, device, nameOrAlias string) (string, error) {
	rawName, err := r.repo.RawAppName(ctx, apiKey, device, nameOrAlias)
	if errors.Is(err, repository.ErrAliasNotFound) {
		return nameOrAlias, nil
	}
	if err != nil {
		return "", err
	}
	return rawName, nil
}

// SetDeviceAlias upserts the alias for a raw device name. The alias must be
// non-empty and not held by another raw name in the tenant.
func (r *Resolver) SetDeviceAlias(ctx context.Context, apiKey, rawName, alias string) error {
	if err := validateAlias(alias); err != nil {
		return err
	}
	return r.repo.SetDeviceAlias(ctx, apiKey, rawName, alias)
}

// SetAppAlias upserts the alias for a raw app name within the device scope.
func (r *Resolver) SetAppAlias(ctx context.Context, apiKey, device, rawName, alias string) error {
	if err := validateAlias(alias); err != nil {
		return err
	}
	return r.repo.SetAppAlias(ctx, apiKey, device, rawName, alias)
}

// RawDeviceFromAlias is the inverse lookup: alias to raw device name.
// Returns repository.ErrAliasNotFound if no raw name holds the alias.
func (r *Resolver) RawDeviceFromAlias(ctx context.Context, apiKey, alias string) (string, error) {
	return r.repo.RawDeviceName(ctx, apiKey, alias)
}

// RawAppFromAlias is the inverse lookup for app aliases.
func (r *Resolver) RawAppFromAlias(ctx context.Context, apiKey, device, alias string) (string, error) {
	return r.repo.RawAppName(ctx, apiKey, device, alias)
}

// Clear removes every alias assignment. Administrative use only, as part of
// a full datastore wipe.
func (r *Resolver) Clear(ctx context.Context) error {
	return r.repo.Clear(ctx)
}

func validateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return ErrInvalidAlias
	}
	return nil
}
