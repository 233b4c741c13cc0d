package httptransport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c0deZ3R0/go-cart-sync/cart"
)

// envelope is the storefront backend's response wrapper. Endpoints put their
// payload under a named field (cart, count, wishlist) or under data.
type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Cart     json.RawMessage `json:"cart,omitempty"`
	Count    json.RawMessage `json:"count,omitempty"`
	Wishlist json.RawMessage `json:"wishlist,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// payload returns the named field if present, else data.
func (e *envelope) payload(named json.RawMessage) json.RawMessage {
	if len(named) > 0 && !bytes.Equal(named, []byte("null")) {
		return named
	}
	return e.Data
}

// addItemRequest is the body of POST /cart/add. Price goes out as a bare
// JSON number, which is what the backend parses.
type addItemRequest struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Size      string      `json:"size"`
	Image     string      `json:"image"`
	Quantity  int         `json:"quantity"`
}

func newAddItemRequest(l cart.Line) addItemRequest {
	return addItemRequest{
		ProductID: l.ProductID,
		Name:      l.Name,
		Price:     json.Number(l.UnitPrice.String()),
		Size:      l.Size,
		Image:     l.ImageRef,
		Quantity:  l.Quantity,
	}
}

type updateItemRequest struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type lineKeyRequest struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
}

type wishlistRequest struct {
	ProductID string `json:"productId"`
}

// wishlistItem accepts the shapes the backend has used for wishlist
// members: a bare id, or an object keyed by productId, _id or id.
type wishlistItem struct {
	ProductID string          `json:"productId"`
	MongoID   string          `json:"_id"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image"`
	AddedAt   time.Time       `json:"addedAt"`
}

func decodeWishlist(raw json.RawMessage) (cart.Wishlist, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("wishlist is not an array: %w", err)
	}

	out := make(cart.Wishlist, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var id string
			if err := json.Unmarshal(item, &id); err != nil {
				return nil, fmt.Errorf("wishlist item %d: %w", i, err)
			}
			out = append(out, cart.WishlistEntry{ProductID: id})
			continue
		}

		var w wishlistItem
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, fmt.Errorf("wishlist item %d: %w", i, err)
		}
		id := w.ProductID
		if id == "" {
			id = w.MongoID
		}
		if id == "" {
			id = w.ID
		}
		out = append(out, cart.WishlistEntry{
			ProductID: id,
			Name:      w.Name,
			UnitPrice: w.Price,
			ImageRef:  w.Image,
			AddedAt:   w.AddedAt,
		})
	}
	return out.Normalize(), nil
}
