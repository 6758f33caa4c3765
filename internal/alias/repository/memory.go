package repository

import (
	"context"
	"sync"
)

// aliasScope holds the bidirectional alias mapping for one scope (an API key
// for devices, an API key + device for apps). Each scope has its own lock so
// unrelated tenants never contend.
type aliasScope struct {
	mu      sync.RWMutex
	byAlias map[string]string // alias -> raw
	byRaw   map[string]string // raw -> alias
}

func newAliasScope() *aliasScope {
	return &aliasScope{byAlias: make(map[string]string), byRaw: make(map[string]string)}
}

// set upserts alias for raw, replacing raw's prior alias. Collision with a
// different raw name's active alias fails.
func (sc *aliasScope) set(rawName, alias string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if owner, ok := sc.byAlias[alias]; ok && owner != rawName {
		return ErrAliasTaken
	}
	if prior, ok := sc.byRaw[rawName]; ok {
		delete(sc.byAlias, prior)
	}
	sc.byRaw[rawName] = alias
	sc.byAlias[alias] = rawName
	return nil
}

func (sc *aliasScope) raw(alias string) (string, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	rawName, ok := sc.byAlias[alias]
	if !ok {
		return "", ErrAliasNotFound
	}
	return rawName, nil
}

// MemoryRepository is an in-memory alias Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	scopes map[string]*aliasScope
}

// NewMemoryRepository returns an empty in-memory alias repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{scopes: make(map[string]*aliasScope)}
}

// scope returns the alias scope for key, creating it when create is true.
func (r *MemoryRepository) scope(key string, create bool) *aliasScope {
	r.mu.RLock()
	sc := r.scopes[key]
	r.mu.RUnlock()
	if sc != nil || !create {
		return sc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc = r.scopes[key]; sc == nil {
		sc = newAliasScope()
		r.scopes[key] = sc
	}
	return sc
}

// RawDeviceName implements Repository.RawDeviceName.
func (r *MemoryRepository) RawDeviceName(ctx context.Context, apiKey, alias string) (string, error) {
	sc := r.scope(deviceScopeKey(apiKey), false)
	if sc == nil {
		return "", ErrAliasNotFound
	}
	return sc.raw(alias)
}

// RawAppName implements Repository.RawAppName.
func (r *MemoryRepository) RawAppName(ctx context.Context, apiKey, device, alias string) (string, error) {
	sc := r.scope(appScopeKey(apiKey, device), false)
	if sc == nil {
		return "", ErrAliasNotFound
	}
	return sc.raw(alias)
}

// SetDeviceAlias implements Repository.SetDeviceAlias.
func (r *MemoryRepository) SetDeviceAlias(ctx context.Context, apiKey, rawName, alias string) error {
	return r.scope(deviceScopeKey(apiKey), true).set(rawName, alias)
}

// SetAppAlias implements Repository.SetAppAlias.
func (r *MemoryRepository) SetAppAlias(ctx context.Context, apiKey, device, rawName, alias string) error {
	return r.scope(appScopeKey(apiKey, device), true).set(rawName, alias)
}

// Clear implements Repository.Clear.
func (r *MemoryRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = make(map[string]*aliasScope)
	return nil
}

func deviceScopeKey(apiKey string) string { return "d\x00" + apiKey }

func appScopeKey(apiKey, device string) string { return "a\x00" + apiKey + "\x00" + device }
