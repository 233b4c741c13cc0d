package synckit

import (
	"context"
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
)

// PendingOp is a mutation applied locally and not yet acknowledged by the
// remote. The outbox is persisted so queued work survives a restart.
type PendingOp struct {
	ID        string               `json:"id"`
	Kind      syncErrors.Operation `json:"kind"`
	Line      *cart.Line           `json:"line,omitempty"`
	ProductID string               `json:"productId,omitempty"`
	Size      string               `json:"size,omitempty"`
	Quantity  int                  `json:"quantity,omitempty"`
	Entry     *cart.WishlistEntry  `json:"entry,omitempty"`
	QueuedAt  time.Time            `json:"queuedAt"`
}

func addItemOp(line cart.Line) PendingOp {
	return PendingOp{Kind: syncErrors.OpAddItem, Line: &line}
}

func removeItemOp(productID, size string) PendingOp {
	return PendingOp{Kind: syncErrors.OpRemoveItem, ProductID: productID, Size: size}
}

func updateQuantityOp(productID, size string, quantity int) PendingOp {
	return PendingOp{Kind: syncErrors.OpUpdateQuantity, ProductID: productID, Size: size, Quantity: quantity}
}

func clearOp() PendingOp {
	return PendingOp{Kind: syncErrors.OpClear}
}

func addWishlistOp(entry cart.WishlistEntry) PendingOp {
	return PendingOp{Kind: syncErrors.OpAddWishlist, ProductID: entry.ProductID, Entry: &entry}
}

func removeWishlistOp(productID string) PendingOp {
	return PendingOp{Kind: syncErrors.OpRemoveWishlist, ProductID: productID}
}

// touchesCart reports whether op changes the cart rather than the wishlist.
func (op PendingOp) touchesCart() bool {
	switch op.Kind {
	case syncErrors.OpAddItem, syncErrors.OpRemoveItem, syncErrors.OpUpdateQuantity, syncErrors.OpClear:
		return true
	default:
		return false
	}
}

// apply replays op onto local state.
func (op PendingOp) apply(c cart.State, w cart.Wishlist) (cart.State, cart.Wishlist) {
	switch op.Kind {
	case syncErrors.OpAddItem:
		if op.Line != nil {
			c = c.Add(*op.Line)
		}
	case syncErrors.OpRemoveItem:
		c = c.Remove(op.ProductID, op.Size)
	case syncErrors.OpUpdateQuantity:
		c = c.SetQuantity(op.ProductID, op.Size, op.Quantity)
	case syncErrors.OpClear:
		c = c.Clear()
	case syncErrors.OpAddWishlist:
		if op.Entry != nil {
			w = w.Add(*op.Entry)
		}
	case syncErrors.OpRemoveWishlist:
		w = w.Remove(op.ProductID)
	}
	return c, w
}

// remoteResult is what the backend answered with. Nil fields mean the call
// did not return that part of the state.
type remoteResult struct {
	cart     *cart.State
	wishlist cart.Wishlist
}

// send performs op against the remote.
func (op PendingOp) send(ctx context.Context, remote RemoteCartService, token string) (remoteResult, error) {
	var (
		st  cart.State
		w   cart.Wishlist
		err error
	)
	switch op.Kind {
	case syncErrors.OpAddItem:
		if op.Line == nil {
			return remoteResult{}, syncErrors.NewRejectedError(op.Kind, fmt.Errorf("queued add %s has no line", op.ID))
		}
		st, err = remote.AddItem(ctx, token, *op.Line)
	case syncErrors.OpRemoveItem:
		st, err = remote.RemoveItem(ctx, token, op.ProductID, op.Size)
	case syncErrors.OpUpdateQuantity:
		st, err = remote.UpdateQuantity(ctx, token, op.ProductID, op.Size, op.Quantity)
	case syncErrors.OpClear:
		st, err = remote.ClearCart(ctx, token)
	case syncErrors.OpAddWishlist:
		w, err = remote.AddWishlistEntry(ctx, token, op.ProductID)
	case syncErrors.OpRemoveWishlist:
		w, err = remote.RemoveWishlistEntry(ctx, token, op.ProductID)
	default:
		return remoteResult{}, syncErrors.NewRejectedError(op.Kind, fmt.Errorf("unknown queued operation %q", op.Kind))
	}
	if err != nil {
		return remoteResult{}, err
	}

	var res remoteResult
	if st.Items != nil {
		res.cart = &st
	}
	if w != nil {
		res.wishlist = w
	}
	return res, nil
}

// replayCart applies the queued cart mutations onto c.
func replayCart(ops []PendingOp, c cart.State) cart.State {
	for _, op := range ops {
		if op.touchesCart() {
			c, _ = op.apply(c, nil)
		}
	}
	return c
}

// replayWishlist applies the queued wishlist mutations onto w.
func replayWishlist(ops []PendingOp, w cart.Wishlist) cart.Wishlist {
	for _, op := range ops {
		if !op.touchesCart() {
			_, w = op.apply(cart.State{}, w)
		}
	}
	return w
}

// withoutOp returns ops minus the op with the given id.
func withoutOp(ops []PendingOp, id string) []PendingOp {
	out := make([]PendingOp, 0, len(ops))
	for _, op := range ops {
		if op.ID != id {
			out = append(out, op)
		}
	}
	return out
}

// withoutCartOps drops queued cart mutations. Used when a clear supersedes them.
func withoutCartOps(ops []PendingOp) []PendingOp {
	out := make([]PendingOp, 0, len(ops))
	for _, op := range ops {
		if !op.touchesCart() {
			out = append(out, op)
		}
	}
	return out
}
