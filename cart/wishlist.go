package cart

import (
	"time"

	"github.com/shopspring/decimal"
)

// WishlistEntry is a saved product. Entries are unique by ProductID.
type WishlistEntry struct {
	ProductID string          `json:"productId" validate:"required"`
	Name      string          `json:"name,omitempty"`
	UnitPrice decimal.Decimal `json:"price"`
	ImageRef  string          `json:"image,omitempty"`
	AddedAt   time.Time       `json:"addedAt"`
}

// Wishlist is an ordered set of entries keyed by product.
type Wishlist []WishlistEntry

// Clone returns a copy of w that never aliases w's backing array.
func (w Wishlist) Clone() Wishlist {
	out := make(Wishlist, len(w))
	copy(out, w)
	return out
}

// Index returns the position of productID, or -1.
func (w Wishlist) Index(productID string) int {
	for i, e := range w {
		if e.ProductID == productID {
			return i
		}
	}
	return -1
}

// Contains reports whether productID is in the wishlist.
func (w Wishlist) Contains(productID string) bool {
	return w.Index(productID) >= 0
}

// Get returns the entry for productID.
func (w Wishlist) Get(productID string) (WishlistEntry, bool) {
	if i := w.Index(productID); i >= 0 {
		return w[i], true
	}
	return WishlistEntry{}, false
}

// Add appends entry unless its product is already present.
func (w Wishlist) Add(entry WishlistEntry) Wishlist {
	if w.Contains(entry.ProductID) {
		return w.Clone()
	}
	return append(w.Clone(), entry)
}

// Remove drops productID if present.
func (w Wishlist) Remove(productID string) Wishlist {
	out := make(Wishlist, 0, len(w))
	for _, e := range w {
		if e.ProductID != productID {
			out = append(out, e)
		}
	}
	return out
}

// Normalize drops entries without a product and folds duplicates, keeping the first.
func (w Wishlist) Normalize() Wishlist {
	out := make(Wishlist, 0, len(w))
	for _, e := range w {
		if e.ProductID == "" || out.Contains(e.ProductID) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Adopt takes membership and order from remote while keeping the richer
// local details (name, price, image, addedAt) for products both sides know.
// The storefront backend often answers with bare product ids.
func (w Wishlist) Adopt(remote Wishlist) Wishlist {
	out := make(Wishlist, 0, len(remote))
	for _, r := range remote.Normalize() {
		if local, ok := w.Get(r.ProductID); ok {
			if r.Name == "" {
				r.Name = local.Name
			}
			if r.UnitPrice.IsZero() {
				r.UnitPrice = local.UnitPrice
			}
			if r.ImageRef == "" {
				r.ImageRef = local.ImageRef
			}
			if r.AddedAt.IsZero() {
				r.AddedAt = local.AddedAt
			}
		}
		out = append(out, r)
	}
	return out
}
