// Package synckit keeps a storefront cart and wishlist usable offline while
// mirroring them to the shopper's account.
//
// A Coordinator applies every mutation to its local store synchronously and
// returns the new state at once. When a session is present the mutation is
// also queued in a persisted outbox, and a single background worker replays
// the outbox against the remote in mutation order. Remote failures never
// surface from mutation methods: they move the coordinator into
// StateDegraded and are reported to subscribers as SyncEvents.
package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/storage"
)

var (
	// ErrReconcileInProgress is returned when ReconcileOnLogin is called while
	// another reconciliation is still running.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("coordinator is closed")
)

// Coordinator owns the reconciliation policy between a LocalStore and a
// RemoteCartService. It is safe for concurrent use.
type Coordinator struct {
	store         LocalStore
	remote        RemoteCartService
	logger        *slog.Logger
	metrics       MetricsCollector
	remoteTimeout time.Duration
	retryInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	cart     cart.State
	wishlist cart.Wishlist
	outbox   []PendingOp
	session  *cart.Session
	state    State
	epoch    uint64 // bumped on every login and logout
	closed   bool

	subMu       sync.RWMutex
	subscribers []func(SyncEvent)

	// syncMu serializes remote sequences: flushes, refreshes and reconciliation.
	syncMu      sync.Mutex
	reconciling atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// NewCoordinator builds a Coordinator, restores the cart, wishlist and outbox
// from the store and starts the background worker. The coordinator starts in
// StateGuest; call Resume or ReconcileOnLogin to attach a session.
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		logger:        logging.WithComponent(logging.ComponentCoordinator).Logger,
		metrics:       &NoOpMetricsCollector{},
		remoteTimeout: DefaultRemoteTimeout,
		now:           time.Now,
		cart:          cart.Empty(),
		wishlist:      cart.Wishlist{},
		state:         StateGuest,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, optionError(err)
		}
	}
	if c.store == nil {
		return nil, optionError(errors.New("store is required (use WithStore(...))"))
	}

	if err := c.load(context.Background()); err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()

	c.logger.Info("Coordinator started",
		slog.Int("cart_lines", len(c.cart.Items)),
		slog.Int("wishlist_entries", len(c.wishlist)),
		slog.Int("pending_ops", len(c.outbox)))
	return c, nil
}

func (c *Coordinator) load(ctx context.Context) error {
	var st cart.State
	found, err := c.store.Get(ctx, storage.KeyCart, &st)
	if err != nil {
		return err
	}
	if found {
		c.cart = st.Normalize()
	}

	var w cart.Wishlist
	found, err = c.store.Get(ctx, storage.KeyWishlist, &w)
	if err != nil {
		return err
	}
	if found {
		c.wishlist = w.Normalize()
	}

	var ops []PendingOp
	found, err = c.store.Get(ctx, storage.KeyOutbox, &ops)
	if err != nil {
		return err
	}
	if found {
		for _, op := range ops {
			if op.ID != "" && op.Kind != "" {
				c.outbox = append(c.outbox, op)
			}
		}
	}
	c.metrics.RecordOutboxDepth(len(c.outbox))
	return nil
}

// Cart returns a copy of the current cart.
func (c *Coordinator) Cart() cart.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cart.Clone()
}

// Wishlist returns a copy of the current wishlist.
func (c *Coordinator) Wishlist() cart.Wishlist {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wishlist.Clone()
}

// State returns the current sync mode.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns the attached session, if any.
func (c *Coordinator) Session() (cart.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return cart.Session{}, false
	}
	return *c.session, true
}

// Pending returns a copy of the outbox.
func (c *Coordinator) Pending() []PendingOp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]PendingOp(nil), c.outbox...)
}

// AddItem validates in and merges it into the cart: an existing
// (productId, size) line has its quantity incremented, otherwise a line is
// appended.
func (c *Coordinator) AddItem(ctx context.Context, in cart.LineInput) (cart.State, error) {
	line, err := in.Line()
	if err != nil {
		return cart.State{}, err
	}

	st, _, err := c.mutate(ctx, syncErrors.OpAddItem, func(cs cart.State, _ cart.Wishlist) (change, error) {
		next := cs.Add(line)
		return change{cart: &next, ops: []PendingOp{addItemOp(line)}}, nil
	})
	return st, err
}

// RemoveItem drops the (productID, size) line. Removing an absent line is a no-op.
func (c *Coordinator) RemoveItem(ctx context.Context, productID, size string) (cart.State, error) {
	productID, size = strings.TrimSpace(productID), strings.TrimSpace(size)
	if err := cart.RequireKey(syncErrors.OpRemoveItem, productID, size); err != nil {
		return cart.State{}, err
	}

	st, _, err := c.mutate(ctx, syncErrors.OpRemoveItem, func(cs cart.State, _ cart.Wishlist) (change, error) {
		if cs.Find(productID, size) < 0 {
			return change{}, nil
		}
		next := cs.Remove(productID, size)
		return change{cart: &next, ops: []PendingOp{removeItemOp(productID, size)}}, nil
	})
	return st, err
}

// UpdateQuantity sets the quantity of the (productID, size) line. A quantity
// of zero or less is exactly RemoveItem.
func (c *Coordinator) UpdateQuantity(ctx context.Context, productID, size string, quantity int) (cart.State, error) {
	if quantity <= 0 {
		return c.RemoveItem(ctx, productID, size)
	}

	productID, size = strings.TrimSpace(productID), strings.TrimSpace(size)
	if err := cart.RequireKey(syncErrors.OpUpdateQuantity, productID, size); err != nil {
		return cart.State{}, err
	}

	st, _, err := c.mutate(ctx, syncErrors.OpUpdateQuantity, func(cs cart.State, _ cart.Wishlist) (change, error) {
		line, ok := cs.Line(productID, size)
		if !ok || line.Quantity == quantity {
			return change{}, nil
		}
		next := cs.SetQuantity(productID, size, quantity)
		return change{cart: &next, ops: []PendingOp{updateQuantityOp(productID, size, quantity)}}, nil
	})
	return st, err
}

// Clear empties the cart.
func (c *Coordinator) Clear(ctx context.Context) (cart.State, error) {
	st, _, err := c.mutate(ctx, syncErrors.OpClear, func(cs cart.State, _ cart.Wishlist) (change, error) {
		next := cs.Clear()
		return change{cart: &next, ops: []PendingOp{clearOp()}}, nil
	})
	return st, err
}

// AddWishlistEntry adds entry unless its product is already saved.
func (c *Coordinator) AddWishlistEntry(ctx context.Context, entry cart.WishlistEntry) (cart.Wishlist, error) {
	entry.ProductID = strings.TrimSpace(entry.ProductID)
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = c.now().UTC()
	}

	_, w, err := c.mutate(ctx, syncErrors.OpAddWishlist, func(_ cart.State, cw cart.Wishlist) (change, error) {
		if cw.Contains(entry.ProductID) {
			return change{}, nil
		}
		return change{wishlist: cw.Add(entry), ops: []PendingOp{addWishlistOp(entry)}}, nil
	})
	return w, err
}

// RemoveWishlistEntry drops productID from the wishlist.
func (c *Coordinator) RemoveWishlistEntry(ctx context.Context, productID string) (cart.Wishlist, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpRemoveWishlist, errors.New("productId is required"))
	}

	_, w, err := c.mutate(ctx, syncErrors.OpRemoveWishlist, func(_ cart.State, cw cart.Wishlist) (change, error) {
		if !cw.Contains(productID) {
			return change{}, nil
		}
		return change{wishlist: cw.Remove(productID), ops: []PendingOp{removeWishlistOp(productID)}}, nil
	})
	return w, err
}

// MoveToCart adds one unit of a saved product in the given size to the cart
// and removes it from the wishlist.
func (c *Coordinator) MoveToCart(ctx context.Context, productID, size string) (cart.State, cart.Wishlist, error) {
	const op = syncErrors.OpMoveToCart
	productID, size = strings.TrimSpace(productID), strings.TrimSpace(size)
	if err := cart.RequireKey(op, productID, size); err != nil {
		return cart.State{}, nil, err
	}

	return c.mutate(ctx, op, func(cs cart.State, cw cart.Wishlist) (change, error) {
		entry, ok := cw.Get(productID)
		if !ok {
			return change{}, syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindNotFound,
				map[string]interface{}{"productId": productID},
				fmt.Sprintf("product %s is not in the wishlist", productID))
		}
		line, err := cart.LineInput{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			UnitPrice: entry.UnitPrice,
			Size:      size,
			ImageRef:  entry.ImageRef,
			Quantity:  1,
		}.Line()
		if err != nil {
			return change{}, err
		}

		nextCart := cs.Add(line)
		return change{
			cart:     &nextCart,
			wishlist: cw.Remove(productID),
			ops:      []PendingOp{addItemOp(line), removeWishlistOp(productID)},
		}, nil
	})
}

// ItemCount returns the number of units in the cart. With a session and an
// empty outbox it asks the remote, otherwise, or when the remote fails, it
// counts locally.
func (c *Coordinator) ItemCount(ctx context.Context) int {
	c.mu.RLock()
	local := c.cart.Count()
	ask := c.remote != nil && !c.closed && c.session.Authenticated() &&
		len(c.outbox) == 0 && c.state == StateSynced
	var token string
	if c.session != nil {
		token = c.session.Token
	}
	epoch := c.epoch
	c.mu.RUnlock()

	if !ask {
		return local
	}

	callCtx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	start := time.Now()
	n, err := c.remote.CountItems(callCtx, token)
	c.metrics.RecordSyncDuration(string(syncErrors.OpCount), time.Since(start))
	if err != nil {
		c.metrics.RecordSyncErrors(string(syncErrors.OpCount), errorType(err))
		c.logger.WarnContext(ctx, "Remote count failed, using local count", slog.String("error", err.Error()))
		if !isRejection(err) {
			c.mu.Lock()
			if c.epoch == epoch && !c.closed {
				c.setStateLocked(StateDegraded, err)
			}
			c.mu.Unlock()
		}
		return local
	}
	return n
}

// Subscribe registers handler for SyncEvents. Handlers run on their own
// goroutine; a panicking handler is recovered and logged.
func (c *Coordinator) Subscribe(handler func(SyncEvent)) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return syncErrors.NewWithComponent(syncErrors.OpSubscribe, "synckit", ErrClosed)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, handler)
	c.logger.Debug("New subscriber added", slog.Int("total_subscribers", len(c.subscribers)))
	return nil
}

// Close stops the worker, cancels in-flight remote calls and closes the store.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Coordinator already closed")
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done

	c.subMu.Lock()
	c.subscribers = nil
	c.subMu.Unlock()

	if err := c.store.Close(); err != nil {
		c.logger.Error("Error closing store", slog.String("error", err.Error()))
		return syncErrors.NewWithComponent(syncErrors.OpClose, "store", err)
	}
	c.logger.Info("Coordinator closed")
	return nil
}

// change is the result of a local mutation. Nil fields are unchanged.
type change struct {
	cart     *cart.State
	wishlist cart.Wishlist
	ops      []PendingOp
}

// mutate applies fn to the current state, persists what changed and, with a
// session attached, queues fn's operations for the worker.
func (c *Coordinator) mutate(ctx context.Context, op syncErrors.Operation, fn func(cart.State, cart.Wishlist) (change, error)) (cart.State, cart.Wishlist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return cart.State{}, nil, syncErrors.NewWithComponent(op, "synckit", ErrClosed)
	}

	ch, err := fn(c.cart, c.wishlist)
	if err != nil {
		return cart.State{}, nil, err
	}

	if ch.cart != nil {
		if err := c.store.Set(ctx, storage.KeyCart, ch.cart); err != nil {
			return cart.State{}, nil, err
		}
	}
	if ch.wishlist != nil {
		if err := c.store.Set(ctx, storage.KeyWishlist, ch.wishlist); err != nil {
			return cart.State{}, nil, err
		}
	}
	if ch.cart != nil {
		c.cart = *ch.cart
	}
	if ch.wishlist != nil {
		c.wishlist = ch.wishlist
	}

	if len(ch.ops) > 0 && c.remote != nil && c.session.Authenticated() {
		for _, p := range ch.ops {
			p.ID = uuid.NewString()
			p.QueuedAt = c.now().UTC()
			if p.Kind == syncErrors.OpClear {
				c.outbox = withoutCartOps(c.outbox)
			}
			c.outbox = append(c.outbox, p)
		}
		c.persistOutboxLocked(ctx)
		c.signal()
	}

	c.logger.DebugContext(ctx, "Local mutation applied",
		slog.String("op", string(op)),
		slog.Int("cart_lines", len(c.cart.Items)),
		slog.String("total", c.cart.Total.String()),
		slog.Int("pending_ops", len(c.outbox)))

	return c.cart.Clone(), c.wishlist.Clone(), nil
}

func (c *Coordinator) persistOutboxLocked(ctx context.Context) {
	var err error
	if len(c.outbox) == 0 {
		err = c.store.Remove(ctx, storage.KeyOutbox)
	} else {
		err = c.store.Set(ctx, storage.KeyOutbox, c.outbox)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to persist outbox", slog.String("error", err.Error()))
	}
	c.metrics.RecordOutboxDepth(len(c.outbox))
}

// adoptLocked makes the server's state authoritative: local state becomes the
// server state with the remaining outbox replayed on top. A nil argument
// leaves that part alone.
func (c *Coordinator) adoptLocked(ctx context.Context, serverCart *cart.State, serverWishlist cart.Wishlist) {
	if serverCart != nil {
		next := replayCart(c.outbox, serverCart.Normalize())
		c.cart = next
		if err := c.store.Set(ctx, storage.KeyCart, next); err != nil {
			c.logger.WarnContext(ctx, "Failed to persist adopted cart", slog.String("error", err.Error()))
		}
	}
	if serverWishlist != nil {
		next := replayWishlist(c.outbox, c.wishlist.Adopt(serverWishlist))
		c.wishlist = next
		if err := c.store.Set(ctx, storage.KeyWishlist, next); err != nil {
			c.logger.WarnContext(ctx, "Failed to persist adopted wishlist", slog.String("error", err.Error()))
		}
	}
}

// setStateLocked moves to next and reports the transition.
func (c *Coordinator) setStateLocked(next State, cause error) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.metrics.RecordStateChange(next.String())

	outcome := OutcomeStateChanged
	switch {
	case next == StateDegraded:
		outcome = OutcomeDegraded
	case prev == StateDegraded && next == StateSynced:
		outcome = OutcomeRecovered
	}

	if cause != nil {
		c.logger.Warn("Sync state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
			slog.String("error", cause.Error()))
	} else {
		c.logger.Info("Sync state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
	c.emit(SyncEvent{Outcome: outcome, State: next, Err: cause})
}

func (c *Coordinator) emit(ev SyncEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}

	c.subMu.RLock()
	subscribers := make([]func(SyncEvent), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.subMu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(SyncEvent)) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Subscriber panic recovered",
						slog.Any("panic", r),
						slog.String("op", string(ev.Op)),
						slog.String("outcome", string(ev.Outcome)))
				}
			}()
			h(ev)
		}(handler)
	}
}

// signal wakes the worker without blocking.
func (c *Coordinator) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	var retry <-chan time.Time
	if c.retryInterval > 0 {
		ticker := time.NewTicker(c.retryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		case <-retry:
			c.mu.RLock()
			due := c.state == StateDegraded && len(c.outbox) > 0
			c.mu.RUnlock()
			if !due {
				continue
			}
			c.logger.Debug("Retrying outbox while degraded")
		}

		c.syncMu.Lock()
		_ = c.flushLocked(c.ctx)
		c.syncMu.Unlock()
	}
}

// logFor returns the coordinator logger carrying the account tagged on ctx.
func (c *Coordinator) logFor(ctx context.Context) *logging.Logger {
	return (&logging.Logger{Logger: c.logger}).WithContext(ctx)
}

func isRejection(err error) bool {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindRejected, syncErrors.KindInvalid:
		return true
	default:
		return false
	}
}

func errorType(err error) string {
	if k := syncErrors.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
