package synckit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/storage"
	"github.com/c0deZ3R0/go-cart-sync/storage/memory"
)

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator()
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Contains(t, err.Error(), "store is required")

	store := storage.New(memory.New())
	_, err = NewCoordinator(WithStore(store), WithRemoteTimeout(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote timeout must be positive")

	_, err = NewCoordinator(WithStore(nil))
	assert.Error(t, err)
}

func TestCoordinator_GuestAddMergesQuantities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	st, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)

	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(1500).Equal(st.Total))

	stored := h.storedCart(t)
	assert.Equal(t, 3, stored.Count())
	assert.True(t, decimal.NewFromInt(1500).Equal(stored.Total))

	assert.Equal(t, StateGuest, h.coord.State())
	assert.Empty(t, h.coord.Pending(), "guests queue nothing")
	assert.Empty(t, h.srv.Requests(), "guests never call the remote")
}

func TestCoordinator_QuantityDefaultsAndSums(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	quantities := []int{0, 3, 1, 0, 5}
	want := 0
	for _, q := range quantities {
		st, err := h.coord.AddItem(ctx, input("p1", "L", q, 120))
		require.NoError(t, err)
		if q == 0 {
			want++
		} else {
			want += q
		}
		require.Len(t, st.Items, 1)
		assert.Equal(t, want, st.Items[0].Quantity)
		assertTotal(t, st)
	}
}

func TestCoordinator_UpdateQuantityZeroEqualsRemove(t *testing.T) {
	ctx := context.Background()
	seed := func(c *Coordinator) {
		for _, in := range []cart.LineInput{input("p1", "M", 2, 500), input("p2", "S", 1, 80), input("p1", "L", 4, 520)} {
			_, err := c.AddItem(ctx, in)
			require.NoError(t, err)
		}
	}

	for _, qty := range []int{0, -1} {
		a, b := newHarness(t), newHarness(t)
		seed(a.coord)
		seed(b.coord)

		updated, err := a.coord.UpdateQuantity(ctx, "p1", "M", qty)
		require.NoError(t, err)
		removed, err := b.coord.RemoveItem(ctx, "p1", "M")
		require.NoError(t, err)

		assert.Equal(t, removed.Items, updated.Items)
		assert.True(t, removed.Total.Equal(updated.Total))
		assertTotal(t, updated)
	}
}

func TestCoordinator_UpdateQuantitySetsNotIncrements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)

	st, err := h.coord.UpdateQuantity(ctx, "p1", "M", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count())
	assert.True(t, decimal.NewFromInt(2500).Equal(st.Total))

	// Unknown lines are left alone.
	st, err = h.coord.UpdateQuantity(ctx, "p9", "M", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count())
}

func TestCoordinator_TotalAlwaysMatchesLines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	steps := []func() (cart.State, error){
		func() (cart.State, error) { return h.coord.AddItem(ctx, input("a", "S", 2, 199)) },
		func() (cart.State, error) { return h.coord.AddItem(ctx, input("b", "M", 1, 2450)) },
		func() (cart.State, error) { return h.coord.UpdateQuantity(ctx, "a", "S", 7) },
		func() (cart.State, error) { return h.coord.AddItem(ctx, input("a", "M", 1, 205)) },
		func() (cart.State, error) { return h.coord.RemoveItem(ctx, "b", "M") },
		func() (cart.State, error) { return h.coord.UpdateQuantity(ctx, "a", "M", 0) },
		func() (cart.State, error) { return h.coord.Clear(ctx) },
		func() (cart.State, error) { return h.coord.AddItem(ctx, input("c", "XL", 3, 1)) },
	}
	for i, step := range steps {
		st, err := step()
		require.NoError(t, err, "step %d", i)
		assertTotal(t, st)
		assertTotal(t, h.storedCart(t))
	}
}

func TestCoordinator_ValidationTouchesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := input("p1", "M", 1, 500)
	bad.Name = "  "
	_, err := h.coord.AddItem(ctx, bad)
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	bad = input("p1", "M", 1, -5)
	_, err = h.coord.AddItem(ctx, bad)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = h.coord.RemoveItem(ctx, "p1", "")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = h.coord.RemoveWishlistEntry(ctx, " ")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	found, err := h.store.Get(ctx, storage.KeyCart, &cart.State{})
	require.NoError(t, err)
	assert.False(t, found, "no write happens for invalid input")
}

func TestCoordinator_WishlistIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := cart.WishlistEntry{ProductID: "p7", Name: "Linen shirt", UnitPrice: decimal.NewFromInt(60)}
	_, err := h.coord.AddWishlistEntry(ctx, entry)
	require.NoError(t, err)
	w, err := h.coord.AddWishlistEntry(ctx, entry)
	require.NoError(t, err)

	require.Len(t, w, 1)
	assert.Equal(t, "p7", w[0].ProductID)
	assert.False(t, w[0].AddedAt.IsZero())

	w, err = h.coord.RemoveWishlistEntry(ctx, "p7")
	require.NoError(t, err)
	assert.Empty(t, w)

	var stored cart.Wishlist
	found, err := h.store.Get(ctx, storage.KeyWishlist, &stored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, stored)
}

func TestCoordinator_MoveToCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{
		ProductID: "p3", Name: "Wool coat", UnitPrice: decimal.NewFromInt(900), ImageRef: "img/p3.jpg",
	})
	require.NoError(t, err)

	st, w, err := h.coord.MoveToCart(ctx, "p3", "L")
	require.NoError(t, err)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "L", st.Items[0].Size)
	assert.Equal(t, 1, st.Items[0].Quantity)
	assert.Equal(t, "img/p3.jpg", st.Items[0].ImageRef)
	assert.Empty(t, w)

	_, _, err = h.coord.MoveToCart(ctx, "p3", "L")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))

	// Entries known only by id cannot become cart lines.
	_, err = h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{ProductID: "bare"})
	require.NoError(t, err)
	_, _, err = h.coord.MoveToCart(ctx, "bare", "M")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.True(t, h.coord.Wishlist().Contains("bare"))
}

func TestCoordinator_RestoresAndRecoversFromCorruption(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(storage.KeyCart, []byte(`{"items":[{"productId":"p1"`))
	backend.Put(storage.KeyWishlist, []byte(`not json`))

	store := storage.New(keepOpen{backend}, storage.WithLogger(logging.Nop().Logger))
	c, err := NewCoordinator(WithStore(store), WithLogger(logging.Nop().Logger))
	require.NoError(t, err)

	assert.True(t, c.Cart().IsEmpty())
	assert.Empty(t, c.Wishlist())

	_, err = c.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := NewCoordinator(WithStore(store), WithLogger(logging.Nop().Logger))
	require.NoError(t, err)
	defer reopened.Close()

	st := reopened.Cart()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(1000).Equal(st.Total))
}

func TestCoordinator_ReconcileMergesAdditively(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.srv.SeedCart("alice", cart.Empty().Add(cart.Line{
		ProductID: "p1", Name: "Product p1", UnitPrice: decimal.NewFromInt(500), Size: "M", ImageRef: "img/p1.jpg", Quantity: 1,
	}))
	h.srv.SeedWishlist("alice", "p5")

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	_, err = h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{ProductID: "p5", Name: "Scarf"})
	require.NoError(t, err)
	_, err = h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{ProductID: "p6", Name: "Belt"})
	require.NoError(t, err)

	session := cart.Session{AccountID: "alice", Token: h.srv.Issue("alice")}
	st, w, err := h.coord.ReconcileOnLogin(ctx, session)
	require.NoError(t, err)

	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(1500).Equal(st.Total))
	assert.Equal(t, 3, h.srv.Cart("alice").Count())
	assert.Equal(t, 3, h.storedCart(t).Count())

	assert.Equal(t, []string{"p5", "p6"}, h.srv.Wishlist("alice"))
	require.Len(t, w, 2)
	assert.Equal(t, "Scarf", w[0].Name, "local details survive adoption of bare ids")

	assert.Equal(t, StateSynced, h.coord.State())
	assert.Empty(t, h.coord.Pending())
	got, ok := h.coord.Session()
	require.True(t, ok)
	assert.Equal(t, "alice", got.AccountID)

	// The duplicate wishlist push is refused by the backend, which is fine.
	require.Eventually(t, func() bool {
		return h.events.has(syncErrors.OpAddWishlist, OutcomeRejected) &&
			h.events.has(syncErrors.OpReconcile, OutcomeSucceeded)
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_ReconcileRejectsSessionWithoutToken(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.coord.ReconcileOnLogin(context.Background(), cart.Session{AccountID: "alice"})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Equal(t, StateGuest, h.coord.State())
}

func TestCoordinator_ReconcileWithoutRemote(t *testing.T) {
	c, err := NewCoordinator(WithStore(storage.New(memory.New())), WithLogger(logging.Nop().Logger))
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.ReconcileOnLogin(context.Background(), cart.Session{Token: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote")
}

func TestCoordinator_ReconcileFetchFailureKeepsGuestState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)

	h.srv.SetDown(true)
	st, _, err := h.coord.ReconcileOnLogin(ctx, cart.Session{AccountID: "alice", Token: h.srv.Issue("alice")})
	require.NoError(t, err, "remote failures are not surfaced")

	assert.Equal(t, 2, st.Count())
	assert.Equal(t, StateDegraded, h.coord.State())
	pending := h.coord.Pending()
	require.Len(t, pending, 1, "the failed push stays queued")
	assert.Equal(t, syncErrors.OpAddItem, pending[0].Kind)

	h.srv.SetDown(false)
	require.NoError(t, h.coord.Flush(ctx))

	assert.Equal(t, 2, h.srv.Cart("alice").Count())
	assert.Equal(t, 2, h.coord.Cart().Count())
	assert.Equal(t, StateSynced, h.coord.State())
	require.Eventually(t, func() bool {
		return h.events.has("", OutcomeDegraded) && h.events.has("", OutcomeRecovered)
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_ReconcileSingleFlight(t *testing.T) {
	h := newHarness(t)
	token := h.srv.Issue("alice")

	gate := &gatedRemote{RemoteCartService: h.coord.remote, entered: make(chan struct{}), release: make(chan struct{})}
	h.coord.remote = gate

	type result struct {
		st  cart.State
		err error
	}
	first := make(chan result, 1)
	go func() {
		st, _, err := h.coord.ReconcileOnLogin(context.Background(), cart.Session{AccountID: "alice", Token: token})
		first <- result{st, err}
	}()

	<-gate.entered
	_, _, err := h.coord.ReconcileOnLogin(context.Background(), cart.Session{AccountID: "alice", Token: token})
	assert.ErrorIs(t, err, ErrReconcileInProgress)
	assert.Equal(t, StateReconciling, h.coord.State())

	close(gate.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, StateSynced, h.coord.State())

	// The guard is released afterwards.
	_, _, err = h.coord.ReconcileOnLogin(context.Background(), cart.Session{AccountID: "alice", Token: token})
	assert.NoError(t, err)
}

func TestCoordinator_MutationsDuringReconcileAreKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.srv.Issue("alice")

	gate := &gatedRemote{RemoteCartService: h.coord.remote, entered: make(chan struct{}), release: make(chan struct{})}
	h.coord.remote = gate

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.ReconcileOnLogin(ctx, cart.Session{AccountID: "alice", Token: token})
	}()

	<-gate.entered
	st, err := h.coord.AddItem(ctx, input("p2", "S", 1, 40))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count())

	close(gate.release)
	<-done

	// The adopted server state has the queued add replayed on top of it.
	assert.True(t, h.coord.Cart().Count() >= 1)
	require.NoError(t, h.coord.Flush(ctx))
	assert.Equal(t, 1, h.srv.Cart("alice").Count())
	assert.Equal(t, 1, h.coord.Cart().Count())
}

func TestCoordinator_SyncedMutationsReachRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "alice")

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)

	// The worker pushes without an explicit flush.
	require.Eventually(t, func() bool {
		return h.srv.Cart("alice").Count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.coord.UpdateQuantity(ctx, "p1", "M", 4)
	require.NoError(t, err)
	_, err = h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{ProductID: "p9", Name: "Cap"})
	require.NoError(t, err)
	require.NoError(t, h.coord.Flush(ctx))

	assert.Equal(t, 4, h.srv.Cart("alice").Count())
	assert.Equal(t, []string{"p9"}, h.srv.Wishlist("alice"))
	assert.Empty(t, h.coord.Pending())

	_, err = h.coord.RemoveItem(ctx, "p1", "M")
	require.NoError(t, err)
	_, err = h.coord.RemoveWishlistEntry(ctx, "p9")
	require.NoError(t, err)
	require.NoError(t, h.coord.Flush(ctx))

	assert.True(t, h.srv.Cart("alice").IsEmpty())
	assert.Empty(t, h.srv.Wishlist("alice"))
	assert.Equal(t, StateSynced, h.coord.State())
}

func TestCoordinator_TimeoutKeepsUnsyncedLine(t *testing.T) {
	h := newHarness(t, WithRemoteTimeout(50*time.Millisecond))
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.SetDelay(300 * time.Millisecond)
	st, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err, "remote failures never reach the caller")
	assert.Equal(t, 1, st.Count())

	err = h.coord.Flush(ctx)
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnavailable))
	assert.Equal(t, StateDegraded, h.coord.State())
	assert.Equal(t, 1, h.coord.Cart().Count())
	assert.Len(t, h.coord.Pending(), 1)

	h.srv.SetDelay(0)
	st, err = h.coord.AddItem(ctx, input("p2", "S", 1, 80))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count())

	require.NoError(t, h.coord.Flush(ctx))
	remote := h.srv.Cart("alice")
	assert.Equal(t, 2, remote.Count(), "the earlier unsynced line is not lost")
	_, ok := remote.Line("p1", "M")
	assert.True(t, ok)
	assert.Equal(t, 2, h.coord.Cart().Count())
	assert.Equal(t, StateSynced, h.coord.State())
}

func TestCoordinator_RejectedOpsDoNotBlockOutbox(t *testing.T) {
	metrics := newRecordingMetrics()
	h := newHarness(t, WithMetrics(metrics))
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.SetDown(true)
	noImage := input("p1", "M", 1, 500)
	noImage.ImageRef = ""
	_, err := h.coord.AddItem(ctx, noImage)
	require.NoError(t, err)
	_, err = h.coord.AddItem(ctx, input("p2", "S", 2, 80))
	require.NoError(t, err)
	h.coord.Flush(ctx)
	require.Len(t, h.coord.Pending(), 2)

	h.srv.SetDown(false)
	require.NoError(t, h.coord.Flush(ctx))

	assert.Empty(t, h.coord.Pending())
	remote := h.srv.Cart("alice")
	assert.Equal(t, 2, remote.Count())

	// The server is authoritative: the line it refused is gone locally too.
	st := h.coord.Cart()
	_, ok := st.Line("p1", "M")
	assert.False(t, ok)
	assert.Equal(t, 2, st.Count())

	require.Eventually(t, func() bool {
		return h.events.has(syncErrors.OpAddItem, OutcomeRejected)
	}, time.Second, 10*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Positive(t, metrics.errors["add_item/rejected"])
	assert.Positive(t, metrics.errors["add_item/unavailable"])
	assert.Contains(t, metrics.states, "degraded")
}

func TestCoordinator_ClearSupersedesQueuedCartOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "alice")
	h.srv.SetDown(true)

	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)
	_, err = h.coord.AddWishlistEntry(ctx, cart.WishlistEntry{ProductID: "p4", Name: "Hat"})
	require.NoError(t, err)
	_, err = h.coord.AddItem(ctx, input("p2", "M", 1, 500))
	require.NoError(t, err)
	st, err := h.coord.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsEmpty())

	pending := h.coord.Pending()
	kinds := make([]syncErrors.Operation, 0, len(pending))
	for _, p := range pending {
		kinds = append(kinds, p.Kind)
	}
	assert.NotContains(t, kinds, syncErrors.OpAddItem)
	assert.Contains(t, kinds, syncErrors.OpAddWishlist)
	assert.Equal(t, syncErrors.OpClear, kinds[len(kinds)-1])
}

func TestCoordinator_ReloginDeliversQueuedRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.login(t, "alice")

	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)
	require.NoError(t, h.coord.Flush(ctx))
	require.Equal(t, 1, h.srv.Cart("alice").Count())

	h.srv.SetDown(true)
	_, err = h.coord.RemoveItem(ctx, "p1", "M")
	require.NoError(t, err)
	h.coord.Flush(ctx)
	require.Len(t, h.coord.Pending(), 1)
	require.Equal(t, StateDegraded, h.coord.State())

	h.srv.SetDown(false)
	st, _, err := h.coord.ReconcileOnLogin(ctx, session)
	require.NoError(t, err)

	assert.Zero(t, st.Count(), "the queued removal is not undone")
	assert.Zero(t, h.srv.Cart("alice").Count())
	assert.Empty(t, h.coord.Pending())
	assert.Equal(t, StateSynced, h.coord.State())
}

func TestCoordinator_ReloginWhileDownKeepsOutboxOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.login(t, "alice")

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	require.NoError(t, h.coord.Flush(ctx))

	h.srv.SetDown(true)
	_, err = h.coord.UpdateQuantity(ctx, "p1", "M", 1)
	require.NoError(t, err)
	h.coord.Flush(ctx)

	_, _, err = h.coord.ReconcileOnLogin(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, h.coord.State())
	pending := h.coord.Pending()
	require.Len(t, pending, 1, "no guest pushes are queued behind undelivered work")
	assert.Equal(t, syncErrors.OpUpdateQuantity, pending[0].Kind)

	h.srv.SetDown(false)
	require.NoError(t, h.coord.Flush(ctx))
	assert.Equal(t, 1, h.srv.Cart("alice").Count())
	assert.Equal(t, 1, h.coord.Cart().Count())
}

func TestCoordinator_LoginAsAnotherAccountDropsOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.SetDown(true)
	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)
	h.coord.Flush(ctx)
	require.Len(t, h.coord.Pending(), 1)

	h.srv.SetDown(false)
	h.login(t, "bob")
	assert.Empty(t, h.coord.Pending())
	assert.Equal(t, 1, h.srv.Cart("bob").Count(), "the local cart is merged into bob's account")
}

func TestCoordinator_OutboxSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.login(t, "alice")

	h.srv.SetDown(true)
	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	h.coord.Flush(ctx)
	require.NoError(t, SaveSession(ctx, h.store, session))
	require.NoError(t, h.coord.Close())

	reopened, err := NewCoordinator(WithStore(h.store), WithRemote(h.coord.remote), WithLogger(logging.Nop().Logger))
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.Pending(), 1)
	assert.Equal(t, StateGuest, reopened.State())

	restored, ok, err := LoadSession(ctx, h.store)
	require.NoError(t, err)
	require.True(t, ok)

	h.srv.SetDown(false)
	st, _, err := reopened.Resume(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count())
	assert.Equal(t, 2, h.srv.Cart("alice").Count())
	assert.Empty(t, reopened.Pending())
	assert.Equal(t, StateSynced, reopened.State())
}

func TestCoordinator_ResumeDoesNotRepushGuestLines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := h.srv.Issue("alice")
	h.srv.SeedCart("alice", cart.Empty().Add(cart.Line{
		ProductID: "p1", Name: "Tee", UnitPrice: decimal.NewFromInt(20), Size: "M", ImageRef: "i", Quantity: 1,
	}))

	_, err := h.coord.AddItem(ctx, input("p9", "M", 1, 10))
	require.NoError(t, err)

	st, _, err := h.coord.Resume(ctx, cart.Session{AccountID: "alice", Token: token})
	require.NoError(t, err)
	require.Len(t, st.Items, 1)
	assert.Equal(t, "p1", st.Items[0].ProductID)
	assert.Zero(t, h.srv.CountRequests(http.MethodPost, "/cart/add"))
	assert.Equal(t, StateSynced, h.coord.State())
}

func TestCoordinator_LogoutRetainsLocalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.SetDown(true)
	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	h.coord.Flush(ctx)
	require.NotEmpty(t, h.coord.Pending())

	require.NoError(t, h.coord.Logout(ctx))
	assert.Equal(t, StateGuest, h.coord.State())
	assert.Empty(t, h.coord.Pending())
	_, ok := h.coord.Session()
	assert.False(t, ok)
	assert.Equal(t, 2, h.coord.Cart().Count(), "the cart is kept after logout")

	h.srv.SetDown(false)
	_, err = h.coord.AddItem(ctx, input("p2", "M", 1, 500))
	require.NoError(t, err)
	require.NoError(t, h.coord.Flush(ctx))
	for _, r := range h.srv.Requests() {
		assert.NotEqual(t, "p2", r.Body["productId"], "guests do not talk to the remote")
	}

	found, err := h.store.Get(ctx, storage.KeyOutbox, &[]PendingOp{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoordinator_ItemCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AddItem(ctx, input("p1", "M", 2, 500))
	require.NoError(t, err)
	assert.Equal(t, 2, h.coord.ItemCount(ctx))

	h.login(t, "alice")
	require.Equal(t, StateSynced, h.coord.State())

	// The remote answers when synced.
	h.srv.SeedCart("alice", cart.Empty().Add(cart.Line{ProductID: "x", Name: "x", UnitPrice: decimal.NewFromInt(1), Size: "M", ImageRef: "i", Quantity: 7}))
	assert.Equal(t, 7, h.coord.ItemCount(ctx))

	h.srv.SetDown(true)
	assert.Equal(t, 2, h.coord.ItemCount(ctx), "falls back to the local count")
	assert.Equal(t, StateDegraded, h.coord.State())
}

func TestCoordinator_Refresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.coord.Refresh(ctx)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnauthorized))

	h.login(t, "alice")
	h.srv.SeedCart("alice", cart.Empty().Add(cart.Line{ProductID: "x", Name: "x", UnitPrice: decimal.NewFromInt(3), Size: "M", ImageRef: "i", Quantity: 2}))
	h.srv.SeedWishlist("alice", "w1", "w2")

	st, w, err := h.coord.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count())
	assert.True(t, decimal.NewFromInt(6).Equal(st.Total))
	assert.Len(t, w, 2)

	h.srv.FailNext(http.StatusBadGateway)
	st, _, err = h.coord.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, st.Count(), "local state is kept")
	assert.Equal(t, StateDegraded, h.coord.State())
}

func TestCoordinator_RetryIntervalDrainsWhileDegraded(t *testing.T) {
	h := newHarness(t, WithRetryInterval(20*time.Millisecond))
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.SetDown(true)
	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.coord.State() == StateDegraded }, 2*time.Second, 10*time.Millisecond)

	h.srv.SetDown(false)
	require.Eventually(t, func() bool {
		return h.srv.Cart("alice").Count() == 1 && h.coord.State() == StateSynced
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_UnauthorizedDegrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "alice")

	h.srv.FailNext(http.StatusUnauthorized)
	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.coord.State() == StateDegraded || h.srv.Cart("alice").Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.coord.Flush(ctx))
	assert.Equal(t, 1, h.srv.Cart("alice").Count())
	assert.Equal(t, StateSynced, h.coord.State())
}

func TestCoordinator_SubscriberPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Subscribe(func(SyncEvent) { panic("boom") }))

	h.login(t, "alice")
	require.Eventually(t, func() bool {
		return h.events.has(syncErrors.OpReconcile, OutcomeSucceeded)
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_Close(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Close())
	require.NoError(t, h.coord.Close())

	_, err := h.coord.AddItem(ctx, input("p1", "M", 1, 500))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.coord.Flush(ctx), ErrClosed)
	assert.ErrorIs(t, h.coord.Logout(ctx), ErrClosed)
	assert.ErrorIs(t, h.coord.Subscribe(func(SyncEvent) {}), ErrClosed)
	_, _, err = h.coord.ReconcileOnLogin(ctx, cart.Session{Token: "t"})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = h.coord.Resume(ctx, cart.Session{Token: "t"})
	assert.ErrorIs(t, err, ErrClosed)

	var syncErr *syncErrors.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncErrors.OpResume, syncErr.Op)
	require.ErrorAs(t, h.coord.Logout(ctx), &syncErr)
	assert.Equal(t, syncErrors.OpLogout, syncErr.Op)
	require.ErrorAs(t, h.coord.Subscribe(func(SyncEvent) {}), &syncErr)
	assert.Equal(t, syncErrors.OpSubscribe, syncErr.Op)
}

func TestCoordinator_StoreFailureIsReturned(t *testing.T) {
	backend := memory.New()
	c, err := NewCoordinator(WithStore(storage.New(backend)), WithLogger(logging.Nop().Logger))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, backend.Close())
	_, err = c.AddItem(context.Background(), input("p1", "M", 1, 500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrClosed))
	assert.True(t, c.Cart().IsEmpty(), "memory state only changes after a successful write")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "guest", StateGuest.String())
	assert.Equal(t, "reconciling", StateReconciling.String())
	assert.Equal(t, "synced", StateSynced.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unknown", State(42).String())
}
