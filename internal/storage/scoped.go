package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Op names a storage operation for guard decisions.
type Op string

// Storage operations.
const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
)

// Guard decides whether an operation on key is allowed.
type Guard func(op Op, key string) bool

// Scoped is one plugin's namespaced view of a Store. Keys are stored as
// "<prefix>:<namespace>:<key>" so plugins can never address each other's data.
type Scoped struct {
	store    Store
	prefix   string
	guard    Guard
	throttle Guard
}

// NewScoped creates a view of store under prefix and namespace.
// A nil guard allows everything.
func NewScoped(store Store, prefix, namespace string, guard Guard) *Scoped {
	p := namespace + ":"
	if prefix != "" {
		p = prefix + ":" + p
	}
	return &Scoped{store: store, prefix: p, guard: guard}
}

func (s *Scoped) check(op Op, key string) error {
	if key == "" && op != OpClear {
		return ErrEmptyKey
	}
	if s.guard != nil && !s.guard(op, key) {
		return fmt.Errorf("%s %q: %w", op, key, ErrAccessDenied)
	}
	if s.throttle != nil && !s.throttle(op, key) {
		return fmt.Errorf("%s %q: %w", op, key, ErrRateLimited)
	}
	return nil
}

// WithThrottle installs a rate check consulted after the guard. It
// returns s for chaining.
func (s *Scoped) WithThrottle(allow Guard) *Scoped {
	s.throttle = allow
	return s
}

// Get returns the raw value for key.
func (s *Scoped) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check(OpGet, key); err != nil {
		return nil, false, err
	}
	return s.store.Get(ctx, s.prefix+key)
}

// Set stores value under key.
func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	if err := s.check(OpSet, key); err != nil {
		return err
	}
	return s.store.Set(ctx, s.prefix+key, value)
}

// Delete removes key.
func (s *Scoped) Delete(ctx context.Context, key string) error {
	if err := s.check(OpDelete, key); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.prefix+key)
}

// Clear removes every key in this scope.
func (s *Scoped) Clear(ctx context.Context) error {
	if err := s.check(OpClear, ""); err != nil {
		return err
	}
	_, err := s.store.DeletePrefix(ctx, s.prefix)
	return err
}

// GetJSON decodes the JSON value under key into dst.
func (s *Scoped) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON.
func (s *Scoped) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
