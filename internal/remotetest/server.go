// Package remotetest runs an in-process storefront backend with the cart
// and wishlist endpoints the sync client talks to. Carts live in memory per
// account and follow the production handlers' rules: add merges by
// (productId, size), update answers 404 for unknown lines, wishlist add
// answers 400 for a duplicate.
package remotetest

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c0deZ3R0/go-cart-sync/cart"
)

// Request is one call the server received.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   map[string]any
}

// Server is a fake storefront backend.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	tokens    map[string]string
	carts     map[string]cart.State
	wishlists map[string][]string
	requests  []Request
	down      bool
	failures  []int
	delay     time.Duration

	// GzipThreshold is the response size from which gzip is used when the
	// client accepts it. Zero disables compression.
	GzipThreshold int
}

// New starts a server. Close it with Close.
func New() *Server {
	s := &Server{
		tokens:    make(map[string]string),
		carts:     make(map[string]cart.State),
		wishlists: make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/cart", s.handleGetCart)
	mux.HandleFunc("/cart/add", s.handleAdd)
	mux.HandleFunc("/cart/update", s.handleUpdate)
	mux.HandleFunc("/cart/remove", s.handleRemove)
	mux.HandleFunc("/cart/clear", s.handleClear)
	mux.HandleFunc("/cart/count", s.handleCount)
	mux.HandleFunc("/users/wishlist", s.handleGetWishlist)
	mux.HandleFunc("/users/wishlist/add", s.handleWishlistAdd)
	mux.HandleFunc("/users/wishlist/remove", s.handleWishlistRemove)
	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// Issue registers a bearer token for accountID and returns it.
func (s *Server) Issue(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := "tok-" + accountID
	s.tokens[token] = accountID
	return token
}

// SetDown makes every request fail with 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next len(statuses) requests answer with the given statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// SetDelay delays every response.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SeedCart replaces accountID's cart.
func (s *Server) SeedCart(accountID string, st cart.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[accountID] = st.Normalize()
}

// SeedWishlist replaces accountID's wishlist.
func (s *Server) SeedWishlist(accountID string, productIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wishlists[accountID] = append([]string(nil), productIDs...)
}

// Cart returns accountID's cart.
func (s *Server) Cart(accountID string) cart.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartLocked(accountID).Clone()
}

// Wishlist returns accountID's wishlist ids.
func (s *Server) Wishlist(accountID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.wishlists[accountID]...)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests returns how many requests matched method and path.
func (s *Server) CountRequests(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) cartLocked(accountID string) cart.State {
	st, ok := s.carts[accountID]
	if !ok {
		st = cart.Empty()
		s.carts[accountID] = st
	}
	return st
}

type accountKey struct{}

type requestInfo struct {
	accountID string
	body      map[string]any
}

func contextWith(r *http.Request, accountID string, body map[string]any) context.Context {
	return context.WithValue(r.Context(), accountKey{}, requestInfo{accountID: accountID, body: body})
}

func fromContext(r *http.Request) (string, map[string]any) {
	info, _ := r.Context().Value(accountKey{}).(requestInfo)
	return info.accountID, info.body
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			raw, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &body); err != nil {
					s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid JSON"})
					return
				}
			}
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Token: token, Body: body})
		down := s.down
		delay := s.delay
		status := 0
		if len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		}
		accountID, authorized := s.tokens[token]
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		switch {
		case down:
			s.respond(w, r, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "Service unavailable"})
			return
		case status != 0:
			s.respond(w, r, status, map[string]any{"success": false, "message": http.StatusText(status)})
			return
		case !authorized:
			s.respond(w, r, http.StatusUnauthorized, map[string]any{"success": false, "message": "Not authorized, token failed"})
			return
		}

		r = r.WithContext(contextWith(r, accountID, body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, _ := fromContext(r)
	s.mu.Lock()
	st := s.cartLocked(id)
	s.mu.Unlock()
	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "cart": wireCart(st)})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, body := fromContext(r)

	productID, name, size, image := str(body, "productId"), str(body, "name"), str(body, "size"), str(body, "image")
	price, priceOK := num(body, "price")
	if productID == "" || name == "" || !priceOK || price.IsZero() || size == "" || image == "" {
		s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "Missing required fields"})
		return
	}
	qty := 1
	if q, ok := num(body, "quantity"); ok {
		qty = int(q.IntPart())
	}

	s.mu.Lock()
	st := s.cartLocked(id)
	if i := st.Find(productID, size); i >= 0 {
		st = st.Clone()
		st.Items[i].Quantity += qty
		st = st.Normalize()
	} else {
		st = st.Add(cart.Line{ProductID: productID, Name: name, UnitPrice: price, Size: size, ImageRef: image, Quantity: qty})
	}
	s.carts[id] = st
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Item added to cart", "cart": wireCart(st)})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	id, body := fromContext(r)

	productID, size := str(body, "productId"), str(body, "size")
	q, ok := num(body, "quantity")
	if productID == "" || size == "" || !ok {
		s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "Missing required fields"})
		return
	}

	s.mu.Lock()
	st := s.cartLocked(id)
	if st.Find(productID, size) < 0 {
		s.mu.Unlock()
		s.respond(w, r, http.StatusNotFound, map[string]any{"success": false, "message": "Item not found in cart"})
		return
	}
	st = st.SetQuantity(productID, size, int(q.IntPart()))
	s.carts[id] = st
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Cart updated", "cart": wireCart(st)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id, body := fromContext(r)

	productID, size := str(body, "productId"), str(body, "size")
	if productID == "" || size == "" {
		s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "Missing required fields"})
		return
	}

	s.mu.Lock()
	st := s.cartLocked(id).Remove(productID, size)
	s.carts[id] = st
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Item removed from cart", "cart": wireCart(st)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id, _ := fromContext(r)

	s.mu.Lock()
	st := cart.Empty()
	s.carts[id] = st
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Cart cleared", "cart": wireCart(st)})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, _ := fromContext(r)

	s.mu.Lock()
	n := s.cartLocked(id).Count()
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (s *Server) handleGetWishlist(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, _ := fromContext(r)
	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "wishlist": s.Wishlist(id)})
}

func (s *Server) handleWishlistAdd(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, body := fromContext(r)
	productID := str(body, "productId")
	if productID == "" {
		s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "Missing required fields"})
		return
	}

	s.mu.Lock()
	list := s.wishlists[id]
	for _, p := range list {
		if p == productID {
			s.mu.Unlock()
			s.respond(w, r, http.StatusBadRequest, map[string]any{"success": false, "message": "Item already in wishlist"})
			return
		}
	}
	list = append(list, productID)
	s.wishlists[id] = list
	out := append([]string{}, list...)
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Item added to wishlist", "wishlist": out})
}

func (s *Server) handleWishlistRemove(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id, body := fromContext(r)
	productID := str(body, "productId")

	s.mu.Lock()
	out := []string{}
	for _, p := range s.wishlists[id] {
		if p != productID {
			out = append(out, p)
		}
	}
	s.wishlists[id] = out
	s.mu.Unlock()

	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "message": "Item removed from wishlist", "wishlist": out})
}

// respond writes payload as JSON, gzip-compressed when the client accepts it
// and the body reaches GzipThreshold.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.GzipThreshold > 0 && len(response) >= s.GzipThreshold && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write(response)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.WriteHeader(code)
	w.Write(response)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, fmt.Sprintf(`{"success":false,"message":"method %s not allowed"}`, r.Method), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type wireLine struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Size      string      `json:"size"`
	Image     string      `json:"image"`
	Quantity  int         `json:"quantity"`
}

// wireCart renders prices as bare numbers, as the production backend does.
func wireCart(st cart.State) map[string]any {
	items := make([]wireLine, 0, len(st.Items))
	for _, l := range st.Items {
		items = append(items, wireLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			Price:     json.Number(l.UnitPrice.String()),
			Size:      l.Size,
			Image:     l.ImageRef,
			Quantity:  l.Quantity,
		})
	}
	return map[string]any{"items": items, "totalAmount": json.Number(st.Total.String())}
}

func str(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return strings.TrimSpace(v)
}

func num(body map[string]any, key string) (decimal.Decimal, bool) {
	switch v := body[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
