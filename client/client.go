// Package client builds the storage and messaging clients the service
// runs on from configuration.
package client

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/novatra/novatra/blobstore"
	"github.com/novatra/novatra/config"
	"github.com/novatra/novatra/events"
	"github.com/novatra/novatra/index"
	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/metrics"
)

type Clients struct {
	Index    index.Index
	Blobs    *blobstore.Store
	Bus      *events.Bus
	Recorder *metrics.PrometheusRecorder
}

// SetUpClients opens the metadata index and the blob store selected by
// cfg. Blobs are collected as soon as they lose their last reference when
// no collection interval is configured.
func SetUpClients(ctx context.Context, cfg *config.Config) (*Clients, error) {
	idx, err := openIndex(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg.Blobstore)
	if err != nil {
		idx.Close()
		return nil, err
	}

	recorder := metrics.NewPrometheusRecorder()
	clients := Clients{
		Index:    idx,
		Blobs:    blobstore.New(backend, cfg.Blobstore.GCInterval <= 0),
		Bus:      events.NewBus(recorder),
		Recorder: recorder,
	}
	log.LogAppInfo("clients ready", "index", cfg.Database.Driver, "blobstore", cfg.Blobstore.Backend)
	return &clients, nil
}

func openIndex(ctx context.Context, cfg config.DatabaseConfig) (index.Index, error) {
	switch cfg.Driver {
	case "memory", "":
		return index.NewMemory(), nil
	case "postgres", "sqlite":
		idx, err := index.OpenSQL(ctx, cfg.Driver, cfg.DSN, index.SQLOptions{
			CreateSchema:   cfg.CreateSchema,
			MaxOpenConns:   cfg.MaxOpenConns,
			MaxIdleConns:   cfg.MaxIdleConns,
			MaxLifetime:    cfg.MaxLifetime,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "starting %s index failed", cfg.Driver)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openBackend(cfg config.BlobstoreConfig) (blobstore.Backend, error) {
	switch cfg.Backend {
	case "memory", "":
		return blobstore.NewMemoryBackend(), nil
	case "filesystem":
		fs, err := blobstore.NewFilesystemBackend(cfg.Root)
		if err != nil {
			return nil, errors.Wrap(err, "starting filesystem blob store failed")
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}

// Close stops event delivery and closes the index.
func (c *Clients) Close() error {
	c.Bus.Close()
	return c.Index.Close()
}
