// Package httptransport is the HTTP client for the storefront backend's
// cart and wishlist endpoints.
//
// Every call needs the session's bearer token. Failures come back as
// *errors.SyncError with a Kind the sync coordinator uses to decide whether
// to keep a pending operation (KindUnavailable, KindUnauthorized,
// KindCorrupt) or drop it (KindRejected).
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
)

const component = syncErrors.Component("transport")

// Limits bounds response sizes.
type Limits struct {
	MaxBodyBytes         int64 // Maximum body size on the wire
	MaxDecompressedBytes int64 // Maximum size after gzip decoding
	EnableGzip           bool  // Ask the server for gzip responses
}

// DefaultLimits returns 1MB on the wire, 8MB decompressed, gzip enabled.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:         1 << 20,
		MaxDecompressedBytes: 8 << 20,
		EnableGzip:           true,
	}
}

// Client talks to the storefront backend.
type Client struct {
	baseURL   string
	http      *http.Client
	limits    Limits
	limiter   *rate.Limiter
	logger    *slog.Logger
	userAgent string
}

// Option configures a Client using the functional options pattern
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		if cl != nil {
			c.http = cl
		}
	}
}

// WithTimeout sets the per-request timeout of the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLimits sets the response size limits. Zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(c *Client) {
		def := DefaultLimits()
		if l.MaxBodyBytes <= 0 {
			l.MaxBodyBytes = def.MaxBodyBytes
		}
		if l.MaxDecompressedBytes <= 0 {
			l.MaxDecompressedBytes = def.MaxDecompressedBytes
		}
		c.limits = l
	}
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// "https://shop.example.com/api".
func NewClient(baseURL string, opts ...Option) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	// Responses are decoded by safeResponseReader so both size limits apply.
	tr.DisableCompression = true

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Transport: tr, Timeout: 10 * time.Second},
		limits:    DefaultLimits(),
		logger:    logging.WithComponent(logging.ComponentTransport).Logger,
		userAgent: "go-cart-sync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string { return c.baseURL }

// Limits returns the current limits configuration
func (c *Client) Limits() Limits { return c.limits }

// FetchCart returns the account's cart.
func (c *Client) FetchCart(ctx context.Context, token string) (cart.State, error) {
	st, err := c.cartCall(ctx, syncErrors.OpRefresh, token, http.MethodGet, "/cart", nil)
	if err != nil {
		return cart.State{}, err
	}
	if st.Items == nil {
		return cart.Empty(), nil
	}
	return st, nil
}

// AddItem merges line into the account's cart.
//
// Mutation calls return the cart the backend answered with. When the backend
// only acknowledges, the returned State has nil Items.
func (c *Client) AddItem(ctx context.Context, token string, line cart.Line) (cart.State, error) {
	return c.cartCall(ctx, syncErrors.OpAddItem, token, http.MethodPost, "/cart/add", newAddItemRequest(line))
}

// UpdateQuantity sets the quantity of a line. The backend removes the line
// for quantity <= 0 and answers 404 for a line it does not have.
func (c *Client) UpdateQuantity(ctx context.Context, token, productID, size string, quantity int) (cart.State, error) {
	body := updateItemRequest{ProductID: productID, Size: size, Quantity: quantity}
	return c.cartCall(ctx, syncErrors.OpUpdateQuantity, token, http.MethodPut, "/cart/update", body)
}

// RemoveItem removes a line.
func (c *Client) RemoveItem(ctx context.Context, token, productID, size string) (cart.State, error) {
	body := lineKeyRequest{ProductID: productID, Size: size}
	return c.cartCall(ctx, syncErrors.OpRemoveItem, token, http.MethodDelete, "/cart/remove", body)
}

// ClearCart empties the account's cart.
func (c *Client) ClearCart(ctx context.Context, token string) (cart.State, error) {
	return c.cartCall(ctx, syncErrors.OpClear, token, http.MethodDelete, "/cart/clear", nil)
}

// CountItems returns the number of units in the account's cart.
func (c *Client) CountItems(ctx context.Context, token string) (int, error) {
	env, err := c.do(ctx, syncErrors.OpCount, token, http.MethodGet, "/cart/count", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(env.payload(env.Count), &n); err != nil {
		return 0, c.corrupt(syncErrors.OpCount, "/cart/count", err)
	}
	return n, nil
}

// FetchWishlist returns the account's wishlist.
func (c *Client) FetchWishlist(ctx context.Context, token string) (cart.Wishlist, error) {
	w, err := c.wishlistCall(ctx, syncErrors.OpRefresh, token, http.MethodGet, "/users/wishlist", nil)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return cart.Wishlist{}, nil
	}
	return w, nil
}

// AddWishlistEntry adds productID to the account's wishlist. A nil result
// means the backend did not echo the wishlist.
func (c *Client) AddWishlistEntry(ctx context.Context, token, productID string) (cart.Wishlist, error) {
	return c.wishlistCall(ctx, syncErrors.OpAddWishlist, token, http.MethodPost, "/users/wishlist/add", wishlistRequest{ProductID: productID})
}

// RemoveWishlistEntry removes productID from the account's wishlist.
func (c *Client) RemoveWishlistEntry(ctx context.Context, token, productID string) (cart.Wishlist, error) {
	return c.wishlistCall(ctx, syncErrors.OpRemoveWishlist, token, http.MethodDelete, "/users/wishlist/remove", wishlistRequest{ProductID: productID})
}

func (c *Client) cartCall(ctx context.Context, op syncErrors.Operation, token, method, path string, body any) (cart.State, error) {
	env, err := c.do(ctx, op, token, method, path, body)
	if err != nil {
		return cart.State{}, err
	}
	raw := env.payload(env.Cart)
	if len(raw) == 0 {
		// Some mutation endpoints only acknowledge.
		return cart.State{}, nil
	}
	var st cart.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return cart.State{}, c.corrupt(op, path, err)
	}
	return st.Normalize(), nil
}

func (c *Client) wishlistCall(ctx context.Context, op syncErrors.Operation, token, method, path string, body any) (cart.Wishlist, error) {
	env, err := c.do(ctx, op, token, method, path, body)
	if err != nil {
		return nil, err
	}
	w, err := decodeWishlist(env.payload(env.Wishlist))
	if err != nil {
		return nil, c.corrupt(op, path, err)
	}
	return w, nil
}

// do performs one request and returns the decoded envelope of a successful
// response. Every failure is a *SyncError carrying the HTTP status, if any.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, token, method, path string, body any) (*envelope, error) {
	if token == "" {
		return nil, syncErrors.E(op, component, syncErrors.KindUnauthorized, syncErrors.ErrCodeNetworkFailure, "missing bearer token")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, syncErrors.NewNetworkError(op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, syncErrors.E(op, component, syncErrors.KindInvalid, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, syncErrors.E(op, component, syncErrors.KindInvalid, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.limits.EnableGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", redact(err)),
		)
		return nil, syncErrors.NewNetworkError(op, fmt.Errorf("network error: %s", redact(err)))
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "request completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	r, cleanup, err := safeResponseReader(resp, c.limits)
	if err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, c.corrupt(op, path, err)
		}
		return nil, statusError(op, resp.StatusCode, "")
	}
	defer cleanup()

	var env envelope
	decodeErr := json.NewDecoder(r).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil {
			msg = env.Message
		}
		c.logger.WarnContext(ctx, "request returned error status",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("message", msg),
		)
		return nil, statusError(op, resp.StatusCode, msg)
	}

	if decodeErr != nil {
		return nil, c.corrupt(op, path, decodeErr)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, syncErrors.E(op, component, syncErrors.KindRejected, syncErrors.ErrCodeRemoteRejected,
			map[string]interface{}{"status": resp.StatusCode}, msg)
	}
	return &env, nil
}

func (c *Client) corrupt(op syncErrors.Operation, path string, err error) error {
	c.logger.Warn("undecodable response",
		slog.String("path", path),
		slog.Bool("size_limit", isSizeLimit(err)),
		slog.String("error", err.Error()),
	)
	return syncErrors.E(op, component, syncErrors.KindCorrupt, syncErrors.ErrCodeNetworkFailure,
		fmt.Errorf("failed to decode response: %w", err))
}

// statusError maps a non-2xx status to an error Kind: 401/403 are
// unauthorized, 408/429/5xx are transient, everything else is a rejection
// of this particular request.
func statusError(op syncErrors.Operation, status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	meta := map[string]interface{}{"status": status}
	msg := fmt.Sprintf("server returned %d: %s", status, message)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncErrors.E(op, component, syncErrors.KindUnauthorized, syncErrors.ErrCodeNetworkFailure, meta, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return syncErrors.E(op, component, syncErrors.KindUnavailable, syncErrors.ErrCodeNetworkFailure, meta, msg)
	default:
		return syncErrors.E(op, component, syncErrors.KindRejected, syncErrors.ErrCodeRemoteRejected, meta, msg)
	}
}

// StatusOf returns the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var se *syncErrors.SyncError
	for err != nil {
		if !stderrors.As(err, &se) {
			return 0
		}
		if s, ok := se.Metadata["status"].(int); ok {
			return s
		}
		err = se.Err
	}
	return 0
}

// redact strips query strings from URL errors.
func redact(err error) string {
	var uerr *url.Error
	if stderrors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			return fmt.Sprintf("%s %q: %v", uerr.Op, u.String(), uerr.Err)
		}
	}
	return err.Error()
}
