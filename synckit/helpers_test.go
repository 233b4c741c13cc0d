package synckit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-cart-sync/cart"
	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
	"github.com/c0deZ3R0/go-cart-sync/internal/remotetest"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	"github.com/c0deZ3R0/go-cart-sync/storage"
	"github.com/c0deZ3R0/go-cart-sync/storage/memory"
	"github.com/c0deZ3R0/go-cart-sync/transport/httptransport"
)

var _ RemoteCartService = (*httptransport.Client)(nil)
var _ LocalStore = (*storage.Store)(nil)

// keepOpen lets a test reopen a coordinator on the same backend.
type keepOpen struct {
	*memory.Backend
}

func (keepOpen) Close() error { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (l *eventLog) record(ev SyncEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(op syncErrors.Operation, outcome Outcome) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if (op == "" || ev.Op == op) && ev.Outcome == outcome {
			return true
		}
	}
	return false
}

type harness struct {
	srv     *remotetest.Server
	backend *memory.Backend
	store   *storage.Store
	coord   *Coordinator
	events  *eventLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	srv := remotetest.New()
	t.Cleanup(srv.Close)

	backend := memory.New()
	logger := logging.Nop().Logger
	store := storage.New(keepOpen{backend}, storage.WithLogger(logger))
	client := httptransport.NewClient(srv.URL, httptransport.WithLogger(logger))

	base := []Option{
		WithStore(store),
		WithRemote(client),
		WithLogger(logger),
		WithRemoteTimeout(time.Second),
	}
	coord, err := NewCoordinator(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	events := &eventLog{}
	require.NoError(t, coord.Subscribe(events.record))

	return &harness{srv: srv, backend: backend, store: store, coord: coord, events: events}
}

func (h *harness) login(t *testing.T, accountID string) cart.Session {
	t.Helper()
	s := cart.Session{AccountID: accountID, Token: h.srv.Issue(accountID), DisplayName: accountID}
	_, _, err := h.coord.ReconcileOnLogin(context.Background(), s)
	require.NoError(t, err)
	return s
}

func (h *harness) storedCart(t *testing.T) cart.State {
	t.Helper()
	var st cart.State
	found, err := h.store.Get(context.Background(), storage.KeyCart, &st)
	require.NoError(t, err)
	require.True(t, found, "cart should be persisted")
	return st
}

func input(productID, size string, qty int, price int64) cart.LineInput {
	return cart.LineInput{
		ProductID: productID,
		Name:      "Product " + productID,
		UnitPrice: decimal.NewFromInt(price),
		Size:      size,
		ImageRef:  "img/" + productID + ".jpg",
		Quantity:  qty,
	}
}

func assertTotal(t *testing.T, st cart.State) {
	t.Helper()
	sum := decimal.Zero
	for _, l := range st.Items {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	require.True(t, sum.Equal(st.Total), "total %s, expected %s", st.Total, sum)
}

// gatedRemote blocks FetchCart until release is closed.
type gatedRemote struct {
	RemoteCartService
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRemote) FetchCart(ctx context.Context, token string) (cart.State, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return cart.State{}, ctx.Err()
	}
	return g.RemoteCartService.FetchCart(ctx, token)
}

type recordingMetrics struct {
	NoOpMetricsCollector
	mu              sync.Mutex
	states          []string
	depths          []int
	errors          map[string]int
	reconciliations [][2]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{errors: make(map[string]int)}
}

func (m *recordingMetrics) RecordStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) RecordOutboxDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths = append(m.depths, depth)
}

func (m *recordingMetrics) RecordSyncErrors(operation, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[operation+"/"+errorType]++
}

func (m *recordingMetrics) RecordReconciliation(pushed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciliations = append(m.reconciliations, [2]int{pushed, failed})
}
