// Package cart holds the storefront cart and wishlist model and the pure
// mutations the sync coordinator applies to it.
//
// Every mutation returns a new value and leaves its receiver untouched, so a
// State handed to a caller never changes underneath it.
package cart

import (
	"github.com/shopspring/decimal"
)

// Line is one product/size combination in a cart.
type Line struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"price"`
	Size      string          `json:"size"`
	ImageRef  string          `json:"image"`
	Quantity  int             `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l Line) matches(productID, size string) bool {
	return l.ProductID == productID && l.Size == size
}

// State is an ordered cart plus its derived total. The JSON shape matches the
// storefront backend's cart document so the same value can be persisted
// locally and decoded from the remote.
type State struct {
	Items []Line          `json:"items"`
	Total decimal.Decimal `json:"totalAmount"`
}

// Empty returns a cart with no lines.
func Empty() State {
	return State{Items: []Line{}, Total: decimal.Zero}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	items := make([]Line, len(s.Items))
	copy(items, s.Items)
	return State{Items: items, Total: s.Total}
}

// IsEmpty reports whether the cart has no lines.
func (s State) IsEmpty() bool {
	return len(s.Items) == 0
}

// Count returns the total number of units across all lines.
func (s State) Count() int {
	n := 0
	for _, l := range s.Items {
		n += l.Quantity
	}
	return n
}

// Find returns the index of the line for (productID, size), or -1.
func (s State) Find(productID, size string) int {
	for i, l := range s.Items {
		if l.matches(productID, size) {
			return i
		}
	}
	return -1
}

// Line returns the line for (productID, size).
func (s State) Line(productID, size string) (Line, bool) {
	if i := s.Find(productID, size); i >= 0 {
		return s.Items[i], true
	}
	return Line{}, false
}

// Add merges line into the cart: an existing (productID, size) line has its
// quantity incremented, otherwise line is appended. Quantities below 1 count as 1.
func (s State) Add(line Line) State {
	if line.Quantity < 1 {
		line.Quantity = 1
	}

	next := s.Clone()
	if i := next.Find(line.ProductID, line.Size); i >= 0 {
		next.Items[i].Quantity += line.Quantity
	} else {
		next.Items = append(next.Items, line)
	}
	return next.recompute()
}

// Remove drops the (productID, size) line if present.
func (s State) Remove(productID, size string) State {
	items := make([]Line, 0, len(s.Items))
	for _, l := range s.Items {
		if !l.matches(productID, size) {
			items = append(items, l)
		}
	}
	return State{Items: items}.recompute()
}

// SetQuantity sets the quantity of the (productID, size) line. A quantity of
// zero or less removes the line. Unknown lines are left alone.
func (s State) SetQuantity(productID, size string, quantity int) State {
	if quantity <= 0 {
		return s.Remove(productID, size)
	}

	next := s.Clone()
	if i := next.Find(productID, size); i >= 0 {
		next.Items[i].Quantity = quantity
	}
	return next.recompute()
}

// Clear returns an empty cart.
func (s State) Clear() State {
	return Empty()
}

// Normalize repairs a decoded cart: nil items become empty, lines without a
// product or with a non-positive quantity are dropped, duplicate
// (productID, size) lines are folded together and the total is recomputed.
func (s State) Normalize() State {
	out := Empty()
	for _, l := range s.Items {
		if l.ProductID == "" || l.Quantity <= 0 {
			continue
		}
		if i := out.Find(l.ProductID, l.Size); i >= 0 {
			out.Items[i].Quantity += l.Quantity
			continue
		}
		out.Items = append(out.Items, l)
	}
	return out.recompute()
}

func (s State) recompute() State {
	if s.Items == nil {
		s.Items = []Line{}
	}
	total := decimal.Zero
	for _, l := range s.Items {
		total = total.Add(l.Subtotal())
	}
	s.Total = total
	return s
}
