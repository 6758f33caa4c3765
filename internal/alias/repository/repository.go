// Package repository defines persistence for device and app aliases.
package repository

import (
	"context"
	"errors"
)

var (
	// ErrAliasNotFound is returned by inverse lookups when no raw name
	// currently maps to the alias.
	ErrAliasNotFound = errors.New("alias not found")
	// ErrAliasTaken is returned when the alias is already active for a
	// different raw name in the same scope.
	ErrAliasTaken = errors.New("alias already in use")
	// ErrUnavailable wraps transient backend failures.
	ErrUnavailable = errors.New("alias store unavailable")
)

// Repository persists alias assignments. Writes are upserts: assigning an
// alias to a raw name replaces that raw name's prior alias.
type Repository interface {
	// RawDeviceName returns the raw device name the alias maps to, or
	// ErrAliasNotFound.
	RawDeviceName(ctx context.Context, apiKey, alias string) (string, error)
	// RawAppName returns the raw app name the alias maps to within the
	// device scope, or ErrAliasNotFound.
	RawAppName(ctx context.Context, apiKey, device, alias string) (string, error)
	// SetDeviceAlias upserts the alias for the raw device name. Returns
	// ErrAliasTaken if a different raw name already holds the alias.
	SetDeviceAlias(ctx context.Context, apiKey, rawName, alias string) error
	// SetAppAlias upserts the alias for the raw app name within the device
	// scope. Returns ErrAliasTaken on collision.
	SetAppAlias(ctx context.Context, apiKey, device, rawName, alias string) error
	// Clear removes all alias assignments. Administrative use only.
	Clear(ctx context.Context) error
}
