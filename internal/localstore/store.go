// Package localstore is the key/value store shared by every client process
// of one profile. It holds the persisted import queue, the emergency
// snapshot and the ownership record.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var ErrNotFound = errors.New("key not found")

// Change describes one write or removal seen by a watcher.
type Change struct {
	Key     string
	Removed bool
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Watch streams changes until ctx is done. Changes made through the
	// same handle may be included.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
