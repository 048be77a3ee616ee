// Package worker runs the background blob collector.
package worker

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/novatra/novatra/blobstore"
	"github.com/novatra/novatra/log"
)

// Holders answers whether an artifact still holds a blob. It is
// implemented by the metadata index.
type Holders interface {
	HoldsBlob(ctx context.Context, artifactID string, d digest.Digest) (bool, error)
}

type Recorder interface {
	RecordCollection(collected, reconciled int, uniqueBlobs, storedBytes int64)
}

// Collector periodically drops blob references the index no longer knows
// about and deletes blobs left without references.
type Collector struct {
	blobs        *blobstore.Store
	holders      Holders
	recorder     Recorder
	pollInterval time.Duration
	grace        time.Duration
}

// InitializeCollector returns a collector running every pollInterval.
// References younger than grace are never reconciled away.
func InitializeCollector(blobs *blobstore.Store, holders Holders, recorder Recorder,
	pollInterval, grace time.Duration) *Collector {
	return &Collector{
		blobs:        blobs,
		holders:      holders,
		recorder:     recorder,
		pollInterval: pollInterval,
		grace:        grace,
	}
}

// Run collects until ctx is done. A zero poll interval disables it.
func (c *Collector) Run(ctx context.Context) {
	if c.pollInterval <= 0 {
		log.LogAppInfo("blob collector disabled")
		return
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles and sweeps once and returns how many holders were
// dropped and blobs deleted.
func (c *Collector) RunOnce(ctx context.Context) (reconciled, collected int) {
	reconciled = c.blobs.Reconcile(ctx, c.live(ctx), c.grace)
	collected, err := c.blobs.Sweep(ctx)
	if err != nil {
		log.LogAppWarn("blob sweep incomplete", err, "collected", collected)
	}

	st := c.blobs.Stats()
	if c.recorder != nil {
		c.recorder.RecordCollection(collected, reconciled, st.UniqueBlobs, st.StoredBytes)
	}
	if reconciled > 0 || collected > 0 {
		log.LogAppInfo("blob collection finished", "reconciled", reconciled, "collected", collected,
			"blobs", st.UniqueBlobs, "stored_bytes", st.StoredBytes)
	}
	return reconciled, collected
}

// live treats lookup failures as live so an unreachable index never
// causes data loss.
func (c *Collector) live(ctx context.Context) func(digest.Digest, string) bool {
	return func(d digest.Digest, holder string) bool {
		held, err := c.holders.HoldsBlob(ctx, holder, d)
		if err != nil {
			log.LogAppWarn("holder check failed, keeping reference", err, "artifact", holder, "digest", d)
			return true
		}
		return held
	}
}
