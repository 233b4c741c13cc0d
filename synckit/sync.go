package synckit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/storage"
)

// Flush drains the outbox now, in order. It stops at the first operation the
// remote could not be reached for and returns that error; operations the
// remote rejects are dropped and flushing continues. The background worker
// runs the same routine.
func (c *Coordinator) Flush(ctx context.Context) error {
	if err := c.checkOpen(syncErrors.OpFlush); err != nil {
		return err
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.flushLocked(ctx)
}

// flushLocked requires syncMu.
func (c *Coordinator) flushLocked(ctx context.Context) error {
	var (
		serverCart     *cart.State
		serverWishlist cart.Wishlist
		sent           int
	)

	c.mu.RLock()
	if c.session != nil {
		ctx = logging.ContextWithAccount(ctx, c.session.AccountID)
	}
	c.mu.RUnlock()
	log := c.logFor(ctx)

	for {
		c.mu.Lock()
		if c.closed || c.remote == nil || !c.session.Authenticated() {
			c.mu.Unlock()
			return nil
		}
		if len(c.outbox) == 0 {
			c.adoptLocked(ctx, serverCart, serverWishlist)
			c.mu.Unlock()
			if sent > 0 {
				log.DebugContext(ctx, "Outbox drained", slog.Int("sent", sent))
			}
			return nil
		}
		op := c.outbox[0]
		token := c.session.Token
		epoch := c.epoch
		c.mu.Unlock()

		log.Trace(ctx, "Sending queued operation",
			slog.String("op_id", op.ID),
			slog.String("op", string(op.Kind)))
		start := time.Now()
		res, err := c.callRemote(ctx, func(callCtx context.Context) (remoteResult, error) {
			return op.send(callCtx, c.remote, token)
		})
		duration := time.Since(start)
		c.metrics.RecordSyncDuration(string(op.Kind), duration)

		c.mu.Lock()
		if c.closed || c.epoch != epoch {
			// Logged out, or a new login replaced the outbox.
			c.mu.Unlock()
			return nil
		}

		switch {
		case err == nil:
			sent++
			c.outbox = withoutOp(c.outbox, op.ID)
			c.persistOutboxLocked(ctx)
			if res.cart != nil {
				serverCart = res.cart
			}
			if res.wishlist != nil {
				serverWishlist = res.wishlist
			}
			c.recoverLocked()
			c.emit(SyncEvent{ID: op.ID, Op: op.Kind, Outcome: OutcomeSucceeded, State: c.state, Duration: duration})

		case isRejection(err):
			sent++
			c.outbox = withoutOp(c.outbox, op.ID)
			c.persistOutboxLocked(ctx)
			c.metrics.RecordSyncErrors(string(op.Kind), errorType(err))
			log.WarnContext(ctx, "Remote rejected queued operation, dropping it",
				slog.String("op_id", op.ID),
				slog.String("op", string(op.Kind)),
				slog.String("error", err.Error()))
			c.recoverLocked()
			c.emit(SyncEvent{ID: op.ID, Op: op.Kind, Outcome: OutcomeRejected, State: c.state, Err: err, Duration: duration})

		default:
			c.metrics.RecordSyncErrors(string(op.Kind), errorType(err))
			log.WarnContext(ctx, "Remote unavailable, keeping operation queued",
				slog.String("op_id", op.ID),
				slog.String("op", string(op.Kind)),
				slog.Int("pending_ops", len(c.outbox)),
				slog.Bool("retryable", syncErrors.IsRetryable(err)),
				slog.String("error", err.Error()))
			c.adoptLocked(ctx, serverCart, serverWishlist)
			c.setStateLocked(StateDegraded, err)
			c.emit(SyncEvent{ID: op.ID, Op: op.Kind, Outcome: OutcomeFailed, State: c.state, Err: err, Duration: duration})
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
	}
}

// Refresh drains the outbox and then fetches the authoritative cart and
// wishlist. On failure the local state is kept, the coordinator degrades and
// the remote error is returned.
func (c *Coordinator) Refresh(ctx context.Context) (cart.State, cart.Wishlist, error) {
	const op = syncErrors.OpRefresh
	if err := c.checkOpen(op); err != nil {
		return cart.State{}, nil, err
	}

	c.mu.RLock()
	attached := c.remote != nil && c.session.Authenticated()
	c.mu.RUnlock()
	if !attached {
		return cart.State{}, nil, syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindUnauthorized,
			"refresh needs a session and a remote")
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	if err := c.flushLocked(ctx); err != nil {
		return c.Cart(), c.Wishlist(), err
	}
	err := c.refreshLocked(ctx)
	return c.Cart(), c.Wishlist(), err
}

// refreshLocked fetches both states and adopts whatever arrived. Requires syncMu.
func (c *Coordinator) refreshLocked(ctx context.Context) error {
	c.mu.RLock()
	if c.closed || !c.session.Authenticated() {
		c.mu.RUnlock()
		return nil
	}
	token := c.session.Token
	epoch := c.epoch
	c.mu.RUnlock()

	start := time.Now()
	remoteCart, cartErr := c.callRemote(ctx, func(callCtx context.Context) (remoteResult, error) {
		st, err := c.remote.FetchCart(callCtx, token)
		if err != nil {
			return remoteResult{}, err
		}
		st = st.Normalize()
		return remoteResult{cart: &st}, nil
	})
	remoteWishlist, wishErr := c.callRemote(ctx, func(callCtx context.Context) (remoteResult, error) {
		w, err := c.remote.FetchWishlist(callCtx, token)
		if err != nil {
			return remoteResult{}, err
		}
		if w == nil {
			w = cart.Wishlist{}
		}
		return remoteResult{wishlist: w}, nil
	})
	duration := time.Since(start)
	c.metrics.RecordSyncDuration(string(syncErrors.OpRefresh), duration)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.epoch != epoch {
		return nil
	}

	c.adoptLocked(ctx, remoteCart.cart, remoteWishlist.wishlist)

	err := errors.Join(cartErr, wishErr)
	if err != nil {
		c.metrics.RecordSyncErrors(string(syncErrors.OpRefresh), errorType(err))
		c.logger.WarnContext(ctx, "Fetching authoritative state failed, keeping local state",
			slog.Bool("cart_fetched", cartErr == nil),
			slog.Bool("wishlist_fetched", wishErr == nil),
			slog.String("error", err.Error()))
		c.setStateLocked(StateDegraded, err)
		c.emit(SyncEvent{Op: syncErrors.OpRefresh, Outcome: OutcomeFailed, State: c.state, Err: err, Duration: duration})
		return err
	}

	c.setStateLocked(StateSynced, nil)
	c.emit(SyncEvent{Op: syncErrors.OpRefresh, Outcome: OutcomeSucceeded, State: c.state, Duration: duration})
	if len(c.outbox) > 0 {
		c.signal()
	}
	return nil
}

// ReconcileOnLogin attaches session and merges the guest cart and wishlist
// into the account: every guest line is pushed as an add (quantities for a
// (productId, size) already on the account accumulate), every guest wishlist
// entry is pushed, then the merged state is fetched and mirrored locally.
//
// An outbox left by an earlier login of the same account is drained first,
// so queued removals, quantity changes and clears reach the account before
// the snapshot is taken. An outbox that belongs to a different account is
// dropped.
//
// Pushes are best effort. One that cannot reach the remote stays queued for
// the next flush. If the final fetch fails the pre-merge local state is kept
// and the coordinator degrades. Remote failures are not returned as errors.
//
// Only one reconciliation runs at a time; a concurrent call returns
// ErrReconcileInProgress.
func (c *Coordinator) ReconcileOnLogin(ctx context.Context, session cart.Session) (cart.State, cart.Wishlist, error) {
	const op = syncErrors.OpReconcile
	if err := c.checkAttach(op, session); err != nil {
		return cart.State{}, nil, err
	}
	if !c.reconciling.CompareAndSwap(false, true) {
		return cart.State{}, nil, ErrReconcileInProgress
	}
	defer c.reconciling.Store(false)

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	ctx = logging.ContextWithAccount(ctx, session.AccountID)
	log := c.logFor(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cart.State{}, nil, syncErrors.NewWithComponent(op, "synckit", ErrClosed)
	}
	if c.session != nil && c.session.AccountID != session.AccountID && len(c.outbox) > 0 {
		log.WarnContext(ctx, "Dropping outbox of the previous account",
			slog.String("previous_account_id", c.session.AccountID),
			slog.Int("dropped_ops", len(c.outbox)))
		c.outbox = nil
		c.persistOutboxLocked(ctx)
	}
	s := session
	c.session = &s
	c.epoch++
	epoch := c.epoch
	leftover := len(c.outbox)
	c.setStateLocked(StateReconciling, nil)
	c.mu.Unlock()

	start := time.Now()
	if leftover > 0 {
		log.InfoContext(ctx, "Draining outbox before merging", slog.Int("pending_ops", leftover))
		if err := c.flushLocked(ctx); err != nil {
			// The queued work has to land before the snapshot is pushed.
			c.finishReconcile(ctx, log, start, 0, nil, err)
			return c.Cart(), c.Wishlist(), nil
		}
		if c.stale(epoch) {
			return c.Cart(), c.Wishlist(), nil
		}
	}

	c.mu.RLock()
	guestCart, guestWishlist := c.cart.Clone(), c.wishlist.Clone()
	c.mu.RUnlock()

	log.InfoContext(ctx, "Reconciling guest state",
		slog.Int("guest_lines", len(guestCart.Items)),
		slog.Int("guest_wishlist", len(guestWishlist)))

	pushes := make([]PendingOp, 0, len(guestCart.Items)+len(guestWishlist))
	for _, line := range guestCart.Items {
		pushes = append(pushes, addItemOp(line))
	}
	for _, entry := range guestWishlist {
		pushes = append(pushes, addWishlistOp(entry))
	}

	var (
		pushed int
		queued []PendingOp
	)
	for _, p := range pushes {
		if c.stale(epoch) {
			log.InfoContext(ctx, "Session changed during reconciliation, aborting")
			return c.Cart(), c.Wishlist(), nil
		}

		p.ID = uuid.NewString()
		p.QueuedAt = c.now().UTC()

		pushStart := time.Now()
		_, err := c.callRemote(ctx, func(callCtx context.Context) (remoteResult, error) {
			return p.send(callCtx, c.remote, session.Token)
		})
		duration := time.Since(pushStart)
		c.metrics.RecordSyncDuration(string(p.Kind), duration)

		ev := SyncEvent{ID: p.ID, Op: p.Kind, State: StateReconciling, Duration: duration, Err: err}
		switch {
		case err == nil:
			pushed++
			ev.Outcome = OutcomeSucceeded
		case isRejection(err):
			// The backend refuses duplicates on the wishlist; nothing to retry.
			c.metrics.RecordSyncErrors(string(p.Kind), errorType(err))
			log.DebugContext(ctx, "Guest push rejected",
				slog.String("op", string(p.Kind)),
				slog.String("product_id", p.ProductID),
				slog.String("error", err.Error()))
			ev.Outcome = OutcomeRejected
		default:
			c.metrics.RecordSyncErrors(string(p.Kind), errorType(err))
			log.WarnContext(ctx, "Guest push failed, queued for retry",
				slog.String("op", string(p.Kind)),
				slog.String("error", err.Error()))
			queued = append(queued, p)
			ev.Outcome = OutcomeFailed
		}
		c.emit(ev)
	}
	c.metrics.RecordReconciliation(pushed, len(queued))

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return c.Cart(), c.Wishlist(), nil
	}
	if len(queued) > 0 {
		// Failed pushes go ahead of anything mutated while reconciling.
		c.outbox = append(queued, c.outbox...)
		c.persistOutboxLocked(ctx)
	}
	c.mu.Unlock()

	err := c.refreshLocked(ctx)
	c.finishReconcile(ctx, log, start, pushed, queued, err)
	return c.Cart(), c.Wishlist(), nil
}

func (c *Coordinator) finishReconcile(ctx context.Context, log *logging.Logger, start time.Time, pushed int, queued []PendingOp, err error) {
	duration := time.Since(start)
	c.metrics.RecordSyncDuration(string(syncErrors.OpReconcile), duration)
	ev := SyncEvent{Op: syncErrors.OpReconcile, State: c.State(), Duration: duration, Err: err, Outcome: OutcomeSucceeded}
	if err != nil {
		ev.Outcome = OutcomeFailed
	}
	c.emit(ev)

	log.InfoContext(ctx, "Reconciliation finished",
		slog.Int("pushed", pushed),
		slog.Int("queued", len(queued)),
		slog.String("state", c.State().String()),
		slog.Duration("duration", duration))
}

// Resume attaches a session that was already merged, typically restored
// after a restart. The outbox is drained and the authoritative state fetched;
// guest lines are not pushed again. Remote failures leave the coordinator
// degraded and are not returned as errors.
func (c *Coordinator) Resume(ctx context.Context, session cart.Session) (cart.State, cart.Wishlist, error) {
	const op = syncErrors.OpResume
	if err := c.checkAttach(op, session); err != nil {
		return cart.State{}, nil, err
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	ctx = logging.ContextWithAccount(ctx, session.AccountID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cart.State{}, nil, syncErrors.NewWithComponent(op, "synckit", ErrClosed)
	}
	s := session
	c.session = &s
	c.epoch++
	c.setStateLocked(StateReconciling, nil)
	c.logFor(ctx).InfoContext(ctx, "Resuming session", slog.Int("pending_ops", len(c.outbox)))
	c.mu.Unlock()

	if err := c.flushLocked(ctx); err != nil {
		return c.Cart(), c.Wishlist(), nil
	}
	_ = c.refreshLocked(ctx)
	return c.Cart(), c.Wishlist(), nil
}

// Logout detaches the session and returns to StateGuest. The local cart and
// wishlist are kept and become authoritative again; queued remote work is
// discarded since the next login pushes the whole guest state.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncErrors.NewWithComponent(syncErrors.OpLogout, "synckit", ErrClosed)
	}

	dropped := len(c.outbox)
	c.session = nil
	c.epoch++
	c.outbox = nil
	err := c.store.Remove(ctx, storage.KeyOutbox)
	c.metrics.RecordOutboxDepth(0)
	c.setStateLocked(StateGuest, nil)

	c.logger.InfoContext(ctx, "Logged out", slog.Int("dropped_ops", dropped))
	return err
}

// recoverLocked leaves StateDegraded after the remote answered.
func (c *Coordinator) recoverLocked() {
	if c.state == StateDegraded {
		c.setStateLocked(StateSynced, nil)
	}
}

func (c *Coordinator) checkOpen(op syncErrors.Operation) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return syncErrors.NewWithComponent(op, "synckit", ErrClosed)
	}
	return nil
}

func (c *Coordinator) checkAttach(op syncErrors.Operation, session cart.Session) error {
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if !session.Authenticated() {
		return syncErrors.NewValidationError(op, errors.New("session has no bearer token"))
	}
	if c.remote == nil {
		return syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindInvalid,
			"no remote cart service configured (use WithRemote(...))")
	}
	return nil
}

func (c *Coordinator) stale(epoch uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.epoch != epoch
}

// callRemote runs fn under the per-call remote timeout.
func (c *Coordinator) callRemote(ctx context.Context, fn func(context.Context) (remoteResult, error)) (remoteResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	return fn(callCtx)
}
