package synckit

import (
	"context"
	"errors"
	"strings"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/storage"
)

// LoadSession restores the session saved by SaveSession. The token is read
// from the authToken key, falling back to the legacy token key. It reports
// false when no token is stored.
func LoadSession(ctx context.Context, store LocalStore) (cart.Session, bool, error) {
	var token string
	if _, err := store.Get(ctx, storage.KeyAuthToken, &token); err != nil {
		return cart.Session{}, false, err
	}
	if strings.TrimSpace(token) == "" {
		if _, err := store.Get(ctx, storage.KeyLegacyToken, &token); err != nil {
			return cart.Session{}, false, err
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return cart.Session{}, false, nil
	}

	var s cart.Session
	if _, err := store.Get(ctx, storage.KeyUser, &s); err != nil {
		return cart.Session{}, false, err
	}
	s.Token = token
	return s, true, nil
}

// SaveSession persists s so LoadSession can restore it.
func SaveSession(ctx context.Context, store LocalStore, s cart.Session) error {
	if !s.Authenticated() {
		return syncErrors.NewValidationError(syncErrors.OpStore, errors.New("session has no bearer token"))
	}
	if err := store.Set(ctx, storage.KeyAuthToken, s.Token); err != nil {
		return err
	}
	return store.Set(ctx, storage.KeyUser, s)
}

// ClearSession removes every persisted session key.
func ClearSession(ctx context.Context, store LocalStore) error {
	for _, key := range []string{storage.KeyAuthToken, storage.KeyLegacyToken, storage.KeyUser} {
		if err := store.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
