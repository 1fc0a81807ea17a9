package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tubeprompt/internal/logging"
	"tubeprompt/internal/store"
)

// ErrNotFound is returned by RequirePending when nothing is outstanding.
var ErrNotFound = errors.New("no pending request")

// Store is the best-effort settings store shared by the correlator, the
// delivery agents and the CLI. Every failure is logged; reads fall back to
// defaults, writes report the error to callers that care and are otherwise
// safe to ignore.
type Store struct {
	kv       store.KV
	defaults func() Settings
}

// Option configures a Store.
type Option func(*Store)

// WithDefaults overrides how compiled-in defaults are produced.
func WithDefaults(fn func() Settings) Option {
	return func(s *Store) { s.defaults = fn }
}

// New wraps kv.
func New(kv store.KV, opts ...Option) *Store {
	s := &Store{kv: kv, defaults: Defaults}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadOr decodes the JSON value at key into a T, returning def when the key
// is absent or cannot be read or decoded.
func ReadOr[T any](ctx context.Context, s *Store, key string, def T) T {
	raw, ok := s.get(ctx, key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		logging.SettingsWarn("Discarding malformed %s value: %v", key, err)
		return def
	}
	return v
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		logging.SettingsWarn("Failed to read storage key %s: %v", key, err)
		return nil, false
	}
	return raw, ok
}

// Set encodes and writes every value, overwriting whole keys.
func (s *Store) Set(ctx context.Context, values map[string]interface{}) error {
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			logging.SettingsWarn("Failed to encode %s: %v", k, err)
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = raw
	}
	if err := s.kv.Set(ctx, encoded); err != nil {
		logging.SettingsWarn("Failed to persist %d key(s): %v", len(encoded), err)
		return err
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.kv.Remove(ctx, key); err != nil {
		logging.SettingsWarn("Failed to remove storage key %s: %v", key, err)
		return err
	}
	return nil
}

// Settings returns stored settings merged over the defaults. Never fails.
func (s *Store) Settings(ctx context.Context) Settings {
	def := s.defaults()
	raw, ok := s.get(ctx, KeySettings)
	if !ok {
		return def.Normalize()
	}
	merged, err := mergeStored(def, raw)
	if err != nil {
		logging.SettingsWarn("Stored settings partially unreadable, using defaults for the rest: %v", err)
	}
	return merged.Normalize()
}

// SaveSettings merges p over the current settings in memory and overwrites
// the settings key with the result. The merged value is returned even when
// the write fails.
func (s *Store) SaveSettings(ctx context.Context, p Patch) (Settings, error) {
	merged := p.Apply(s.Settings(ctx))
	err := s.Set(ctx, map[string]interface{}{KeySettings: merged})
	return merged, err
}

// ResetSettings removes stored settings so defaults apply again.
func (s *Store) ResetSettings(ctx context.Context) error {
	return s.Remove(ctx, KeySettings)
}

// Pending returns the outstanding request, if any.
func (s *Store) Pending(ctx context.Context) (PendingRequest, bool) {
	p := ReadOr[*PendingRequest](ctx, s, KeyPending, nil)
	if p == nil {
		return PendingRequest{}, false
	}
	return *p, true
}

// RequirePending is Pending for callers that want an error.
func (s *Store) RequirePending(ctx context.Context) (PendingRequest, error) {
	p, ok := s.Pending(ctx)
	if !ok {
		return PendingRequest{}, ErrNotFound
	}
	return p, nil
}

// SetPending overwrites the outstanding request.
func (s *Store) SetPending(ctx context.Context, p PendingRequest) error {
	return s.Set(ctx, map[string]interface{}{KeyPending: p})
}

// ClearPending removes the outstanding request.
func (s *Store) ClearPending(ctx context.Context) error {
	return s.Remove(ctx, KeyPending)
}
