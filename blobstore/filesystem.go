package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/models"
)

// FilesystemBackend stores each blob as a file under
// <root>/blobs/<algorithm>/<first two hex chars>/<hex>.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates the directory layout and checks that root
// is writable.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	dirs := []string{
		filepath.Join(root, "blobs"),
		filepath.Join(root, "uploads"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, models.IOFailure(err, "create directory %s", dir)
		}
	}

	probe := filepath.Join(root, "uploads", ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return nil, models.IOFailure(err, "blob root %s is not writable", root)
	}
	_ = os.Remove(probe)

	log.LogAppInfo("blob storage initialized", "root_dir", root)
	return &FilesystemBackend{root: root}, nil
}

func (f *FilesystemBackend) path(d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join(f.root, "blobs", d.Algorithm().String(), hex[:2], hex)
}

// Write goes through a temporary file in uploads/ and a rename so readers
// never observe a partial blob.
func (f *FilesystemBackend) Write(ctx context.Context, d digest.Digest, data []byte) error {
	if err := d.Validate(); err != nil {
		return errors.Wrapf(err, "write blob %s", d)
	}
	target := f.path(d)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return models.IOFailure(err, "create blob directory")
	}

	tmp, err := os.CreateTemp(filepath.Join(f.root, "uploads"), d.Encoded()+"-*")
	if err != nil {
		return models.IOFailure(err, "create temporary blob file")
	}
	tmpPath := tmp.Name()

	written, err := tmp.Write(data)
	if err == nil && written != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", written, len(data))
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return models.IOFailure(err, "write blob %s", d)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return models.IOFailure(err, "move blob %s to final location", d)
	}
	return nil
}

func (f *FilesystemBackend) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Wrapf(models.ErrNotFound, "blob %s", d)
	}
	data, err := os.ReadFile(f.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(models.ErrNotFound, "blob %s", d)
		}
		return nil, models.IOFailure(err, "read blob %s", d)
	}
	return data, nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return nil
	}
	if err := os.Remove(f.path(d)); err != nil && !os.IsNotExist(err) {
		return models.IOFailure(err, "delete blob %s", d)
	}
	// best effort: drop the shard directory once it is empty
	_ = os.Remove(filepath.Dir(f.path(d)))
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, nil
	}
	_, err := os.Stat(f.path(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, models.IOFailure(err, "stat blob %s", d)
}
