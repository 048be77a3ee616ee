package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/blobstore"
)

type holdersFunc func(artifactID string, d digest.Digest) (bool, error)

func (f holdersFunc) HoldsBlob(ctx context.Context, artifactID string, d digest.Digest) (bool, error) {
	return f(artifactID, d)
}

type collectionRecorder struct {
	mu         sync.Mutex
	runs       int
	collected  int
	reconciled int
	blobs      int64
}

func (r *collectionRecorder) RecordCollection(collected, reconciled int, uniqueBlobs, storedBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.collected += collected
	r.reconciled += reconciled
	r.blobs = uniqueBlobs
}

func (r *collectionRecorder) snapshot() (int, int, int, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.collected, r.reconciled, r.blobs
}

func TestRunOnceDropsOrphansAndSweeps(t *testing.T) {
	ctx := context.Background()
	store := blobstore.New(blobstore.NewMemoryBackend(), false)

	kept, err := store.Put(ctx, []byte("kept"), "a1")
	require.NoError(t, err)
	orphaned, err := store.Put(ctx, []byte("orphaned"), "ghost")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	holders := holdersFunc(func(id string, d digest.Digest) (bool, error) {
		return id == "a1" && d == kept, nil
	})
	rec := &collectionRecorder{}
	c := InitializeCollector(store, holders, rec, time.Minute, 0)

	reconciled, collected := c.RunOnce(ctx)
	assert.Equal(t, 1, reconciled)
	assert.Equal(t, 1, collected)

	_, err = store.Get(ctx, orphaned)
	assert.Error(t, err)
	data, err := store.Get(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	runs, _, _, blobs := rec.snapshot()
	assert.Equal(t, 1, runs)
	assert.Equal(t, int64(1), blobs)
}

func TestRunOnceRespectsGrace(t *testing.T) {
	ctx := context.Background()
	store := blobstore.New(blobstore.NewMemoryBackend(), false)
	_, err := store.Put(ctx, []byte("in flight"), "uploading")
	require.NoError(t, err)

	never := holdersFunc(func(string, digest.Digest) (bool, error) { return false, nil })
	c := InitializeCollector(store, never, nil, time.Minute, time.Hour)

	reconciled, collected := c.RunOnce(ctx)
	assert.Zero(t, reconciled)
	assert.Zero(t, collected)
	assert.Equal(t, int64(1), store.Stats().UniqueBlobs)
}

func TestLookupFailureKeepsReference(t *testing.T) {
	ctx := context.Background()
	store := blobstore.New(blobstore.NewMemoryBackend(), false)
	_, err := store.Put(ctx, []byte("x"), "a1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	broken := holdersFunc(func(string, digest.Digest) (bool, error) {
		return false, fmt.Errorf("connection refused")
	})
	c := InitializeCollector(store, broken, nil, time.Minute, 0)

	reconciled, collected := c.RunOnce(ctx)
	assert.Zero(t, reconciled)
	assert.Zero(t, collected)
	assert.Equal(t, int64(1), store.Stats().References)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := blobstore.New(blobstore.NewMemoryBackend(), false)
	rec := &collectionRecorder{}
	c := InitializeCollector(store, holdersFunc(func(string, digest.Digest) (bool, error) { return true, nil }),
		rec, 5*time.Millisecond, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		runs, _, _, _ := rec.snapshot()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestRunDisabledWithoutInterval(t *testing.T) {
	store := blobstore.New(blobstore.NewMemoryBackend(), true)
	c := InitializeCollector(store, nil, nil, 0, 0)
	// returns at once
	c.Run(context.Background())
}
