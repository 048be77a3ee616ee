package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/models"
)

func TestFilesystemBackend_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := NewFilesystemBackend(root)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "jar", data: []byte("PK\x03\x04 jar bytes")},
		{name: "empty", data: []byte{}},
		{name: "binary", data: []byte{0x00, 0x01, 0xfe, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := digest.FromBytes(tt.data)
			require.NoError(t, backend.Write(ctx, d, tt.data))

			hex := d.Encoded()
			_, err := os.Stat(filepath.Join(root, "blobs", "sha256", hex[:2], hex))
			require.NoError(t, err)

			exists, err := backend.Exists(ctx, d)
			require.NoError(t, err)
			assert.True(t, exists)

			got, err := backend.Read(ctx, d)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)

			require.NoError(t, backend.Delete(ctx, d))
			_, err = backend.Read(ctx, d)
			assert.True(t, errors.Is(err, models.ErrNotFound))

			// deleting again is fine
			require.NoError(t, backend.Delete(ctx, d))
		})
	}

	entries, err := os.ReadDir(filepath.Join(root, "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary files left behind")
}

func TestFilesystemBackend_RejectsMalformedDigest(t *testing.T) {
	backend, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Read(context.Background(), digest.Digest("sha256:../../etc/passwd"))
	assert.True(t, errors.Is(err, models.ErrNotFound))

	err = backend.Write(context.Background(), digest.Digest("bogus"), []byte("x"))
	assert.Error(t, err)
}

func TestStoreOverFilesystem(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)
	store := New(backend, true)

	d, err := store.Put(ctx, []byte("layer"), "a")
	require.NoError(t, err)
	got, err := store.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("layer"), got)

	require.NoError(t, store.Release(ctx, d, "a"))
	exists, err := backend.Exists(ctx, d)
	require.NoError(t, err)
	assert.False(t, exists)
}
