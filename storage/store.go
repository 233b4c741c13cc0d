// Package storage provides the local key/value store the cart coordinator
// persists to. Values are JSON documents; a Backend only moves bytes.
//
// A value that no longer parses is treated as absent so a damaged entry
// never blocks the cart. The next Set overwrites it.
package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
)

// Well-known keys.
const (
	KeyCart        = "cart"
	KeyWishlist    = "wishlist"
	KeyOutbox      = "syncOutbox"
	KeyAuthToken   = "authToken"
	KeyLegacyToken = "token"
	KeyUser        = "user"
)

// DefaultProfile is used when a backend is opened without a profile.
const DefaultProfile = "default"

var (
	// ErrNotFound is returned by a Backend when a key has no value.
	ErrNotFound = stderrors.New("key not found")
	// ErrClosed is returned by a Backend after Close.
	ErrClosed = stderrors.New("store is closed")
)

// Backend is the raw persistence behind a Store. Implementations scope every
// key to a single profile.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store encodes values as JSON on top of a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  logging.WithComponent(logging.ComponentStore).Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get decodes the value stored at key into dst. It reports false when the
// key is absent or its value is corrupt.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.backend.Load(ctx, key)
	if stderrors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(errors.OpLoad, key, err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.WarnContext(ctx, "discarding corrupt stored value",
			slog.String("key", key),
			slog.Int("bytes", len(raw)),
			slog.String("error", err.Error()),
		)
		if err := s.backend.Delete(ctx, key); err != nil && !stderrors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to delete corrupt stored value",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return false, nil
	}
	return true, nil
}

// Set encodes v and stores it at key.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.E(errors.OpStore, errors.Component("store"), errors.KindInvalid, errors.ErrCodeStorageFailure,
			map[string]interface{}{"key": key}, err)
	}
	if err := s.backend.Save(ctx, key, raw); err != nil {
		return s.wrap(errors.OpStore, key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !stderrors.Is(err, ErrNotFound) {
		return s.wrap(errors.OpStore, key, err)
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		return s.wrap(errors.OpClose, "", err)
	}
	return nil
}

func (s *Store) wrap(op errors.Operation, key string, err error) error {
	se := errors.NewStorageError(op, err)
	if key != "" {
		se.Metadata = map[string]interface{}{"key": key}
	}
	if stderrors.Is(err, ErrClosed) {
		se.Retryable = false
	}
	return se
}
