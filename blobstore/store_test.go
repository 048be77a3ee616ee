package blobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/models"
)

func TestStore_PutDeduplicates(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend, false)

	b1 := []byte("lib-1.0.0.jar contents")
	b2 := append([]byte(nil), b1...)

	d1, err := store.Put(ctx, b1, "artifact-1")
	require.NoError(t, err)
	d2, err := store.Put(ctx, b2, "artifact-2")
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, digest.FromBytes(b1), d1)
	assert.Equal(t, 1, backend.Len())

	count, err := store.RefCount(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"artifact-1", "artifact-2"}, store.Holders(d1))
}

func TestStore_PutSameHolderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend(), false)

	d, err := store.Put(ctx, []byte("x"), "a")
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("x"), "a")
	require.NoError(t, err)

	count, _ := store.RefCount(ctx, d)
	assert.Equal(t, 1, count)
}

func TestStore_GetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend(), false)

	payload := []byte{0x00, 0xff, 0x10, 0x20}
	d, err := store.Put(ctx, payload, "a")
	require.NoError(t, err)

	got, err := store.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Get(ctx, digest.FromString("missing"))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStore_ReleaseAndSweep(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend, false)

	d, err := store.Put(ctx, []byte("payload"), "a")
	require.NoError(t, err)
	require.NoError(t, store.Retain(ctx, d, "b"))

	require.NoError(t, store.Release(ctx, d, "a"))
	// releasing twice must not steal b's reference
	require.NoError(t, store.Release(ctx, d, "a"))
	count, _ := store.RefCount(ctx, d)
	assert.Equal(t, 1, count)

	collected, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, collected)

	require.NoError(t, store.Release(ctx, d, "b"))
	assert.Equal(t, int64(1), store.Stats().Collectable)

	// still readable until collected
	_, err = store.Get(ctx, d)
	require.NoError(t, err)

	collected, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, collected)
	assert.Equal(t, 0, backend.Len())

	_, err = store.Get(ctx, d)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.NoError(t, store.Release(ctx, d, "b"))
}

func TestStore_ImmediateCollection(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend, true)

	d, err := store.Put(ctx, []byte("payload"), "a")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, d, "a"))

	assert.Equal(t, 0, backend.Len())
	_, err = store.Get(ctx, d)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStore_RetainUnknownBlob(t *testing.T) {
	store := New(NewMemoryBackend(), false)
	err := store.Retain(context.Background(), digest.FromString("nope"), "a")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStore_ConcurrentPutsOfSameContent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend, false)
	payload := []byte("shared layer")

	const n = 50
	var wg sync.WaitGroup
	digests := make([]digest.Digest, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			digests[i], errs[i] = store.Put(ctx, payload, fmt.Sprintf("artifact-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, digests[0], digests[i])
	}
	count, err := store.RefCount(ctx, digests[0])
	require.NoError(t, err)
	assert.Equal(t, n, count)
	assert.Equal(t, 1, backend.Len())

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Release(ctx, digests[0], fmt.Sprintf("artifact-%d", i))
		}(i)
	}
	wg.Wait()
	count, _ = store.RefCount(ctx, digests[0])
	assert.Equal(t, 0, count)
}

type failingBackend struct {
	*MemoryBackend
	failWrites bool
}

func (f *failingBackend) Write(ctx context.Context, d digest.Digest, data []byte) error {
	if f.failWrites {
		return models.IOFailure(fmt.Errorf("disk unavailable"), "write blob %s", d)
	}
	return f.MemoryBackend.Write(ctx, d, data)
}

func TestStore_PutSurfacesIOFailure(t *testing.T) {
	store := New(&failingBackend{MemoryBackend: NewMemoryBackend(), failWrites: true}, false)
	_, err := store.Put(context.Background(), []byte("x"), "a")
	assert.True(t, errors.Is(err, models.ErrIOFailure))
	assert.Equal(t, int64(0), store.Stats().UniqueBlobs)
}

func TestStore_RestoreAndReconcile(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend, false)

	d := digest.FromBytes([]byte("restored"))
	require.NoError(t, backend.Write(ctx, d, []byte("restored")))

	store.Restore(map[digest.Digest][]string{d: {"live", "orphan"}}, map[digest.Digest]int64{d: 8})
	count, err := store.RefCount(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// fresh holders are protected by the grace period
	dropped := store.Reconcile(ctx, func(_ digest.Digest, h string) bool { return h == "live" }, time.Hour)
	assert.Equal(t, 0, dropped)

	dropped = store.Reconcile(ctx, func(_ digest.Digest, h string) bool { return h == "live" }, 0)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []string{"live"}, store.Holders(d))

	st := store.Stats()
	assert.Equal(t, int64(1), st.UniqueBlobs)
	assert.Equal(t, int64(8), st.StoredBytes)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend(), false)

	_, err := store.Put(ctx, []byte("1234"), "a")
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("1234"), "b")
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("56"), "c")
	require.NoError(t, err)

	st := store.Stats()
	assert.Equal(t, int64(2), st.UniqueBlobs)
	assert.Equal(t, int64(6), st.StoredBytes)
	assert.Equal(t, int64(3), st.References)
	assert.Equal(t, int64(10), st.ReferencedBytes)
}
