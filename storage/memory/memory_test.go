package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-cart-sync/storage"
)

func TestBackend_LoadSaveDelete(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.Load(ctx, "cart")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	value := []byte(`{"items":[]}`)
	require.NoError(t, b.Save(ctx, "cart", value))
	value[0] = 'X'

	got, err := b.Load(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, string(got))

	require.NoError(t, b.Delete(ctx, "cart"))
	_, err = b.Load(ctx, "cart")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackend_Closed(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Save(ctx, "k", nil), storage.ErrClosed)
	_, err := b.Load(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, b.Delete(ctx, "k"), storage.ErrClosed)
}

func TestBackend_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, New().Save(ctx, "k", []byte("1")), context.Canceled)
}

func TestBackend_Concurrent(t *testing.T) {
	ctx := context.Background()
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Save(ctx, "cart", []byte("1"))
			_, _ = b.Load(ctx, "cart")
		}()
	}
	wg.Wait()

	got, err := b.Load(ctx, "cart")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}
