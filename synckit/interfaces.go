package synckit

import (
	"context"

	"github.com/c0deZ3R0/go-cart-sync/cart"
)

// LocalStore is the durable key/value store the coordinator mirrors its
// state into. storage.Store implements it.
//
// Get reports false for an absent key and for a value that no longer
// decodes; it only fails when the store itself is unusable.
type LocalStore interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// RemoteCartService is the account-scoped cart and wishlist API.
// httptransport.Client implements it.
//
// Mutation calls return the state the backend answered with. A State with
// nil Items, or a nil Wishlist, means the backend only acknowledged the call.
// Failures should be *errors.SyncError values: KindRejected marks a request
// the backend will never accept, every other kind is treated as the remote
// being unreachable.
type RemoteCartService interface {
	FetchCart(ctx context.Context, token string) (cart.State, error)
	AddItem(ctx context.Context, token string, line cart.Line) (cart.State, error)
	UpdateQuantity(ctx context.Context, token, productID, size string, quantity int) (cart.State, error)
	RemoveItem(ctx context.Context, token, productID, size string) (cart.State, error)
	ClearCart(ctx context.Context, token string) (cart.State, error)
	CountItems(ctx context.Context, token string) (int, error)

	FetchWishlist(ctx context.Context, token string) (cart.Wishlist, error)
	AddWishlistEntry(ctx context.Context, token, productID string) (cart.Wishlist, error)
	RemoveWishlistEntry(ctx context.Context, token, productID string) (cart.Wishlist, error)
}
