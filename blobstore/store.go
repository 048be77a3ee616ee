// Package blobstore keeps artifact bytes addressed by their sha256 digest.
//
// Every reference to a blob is held by a named holder (an artifact id), so
// retaining or releasing the same holder twice has no further effect and the
// reference count is the number of distinct holders. Blobs whose count drops
// to zero are removed by Sweep, or immediately when the store runs without a
// collection interval.
package blobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/models"
	"github.com/novatra/novatra/utils"
)

type entry struct {
	size    int64
	holders map[string]time.Time
}

type Stats struct {
	UniqueBlobs      int64
	StoredBytes      int64
	References       int64
	ReferencedBytes  int64
	Collectable      int64
	// CollectableBytes are stored but no longer referenced.
	CollectableBytes int64
}

type Store struct {
	backend   Backend
	immediate bool
	locks     *utils.KeyedMutex

	mu      sync.RWMutex
	entries map[digest.Digest]*entry

	now func() time.Time
}

// New returns a store over backend. With immediate set, a blob is deleted
// from the backend as soon as its last holder is released.
func New(backend Backend, immediate bool) *Store {
	return &Store{
		backend:   backend,
		immediate: immediate,
		locks:     utils.NewKeyedMutex(),
		entries:   make(map[digest.Digest]*entry),
		now:       time.Now,
	}
}

func (s *Store) lookup(d digest.Digest) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[d]
}

// Put stores data once per distinct digest and records holder as a
// reference to it.
func (s *Store) Put(ctx context.Context, data []byte, holder string) (digest.Digest, error) {
	d := digest.FromBytes(data)

	unlock := s.locks.Lock(d.String())
	defer unlock()

	e := s.lookup(d)
	if e == nil {
		if err := s.backend.Write(ctx, d, data); err != nil {
			return "", errors.Wrapf(err, "put blob %s", d)
		}
		e = &entry{size: int64(len(data)), holders: make(map[string]time.Time)}
		s.mu.Lock()
		s.entries[d] = e
		s.mu.Unlock()
	}

	s.mu.Lock()
	e.holders[holder] = s.now()
	s.mu.Unlock()
	return d, nil
}

// Get returns the bytes of d, or ErrNotFound once the blob is unknown or
// collected.
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if s.lookup(d) == nil {
		return nil, errors.Wrapf(models.ErrNotFound, "blob %s", d)
	}
	data, err := s.backend.Read(ctx, d)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Retain adds holder as a reference to an existing blob.
func (s *Store) Retain(ctx context.Context, d digest.Digest, holder string) error {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	e := s.lookup(d)
	if e == nil {
		return errors.Wrapf(models.ErrNotFound, "blob %s", d)
	}
	s.mu.Lock()
	e.holders[holder] = s.now()
	s.mu.Unlock()
	return nil
}

// Release drops holder's reference. Releasing an unknown holder or blob is
// a no-op.
func (s *Store) Release(ctx context.Context, d digest.Digest, holder string) error {
	unlock := s.locks.Lock(d.String())
	defer unlock()

	e := s.lookup(d)
	if e == nil {
		return nil
	}
	s.mu.Lock()
	delete(e.holders, holder)
	remaining := len(e.holders)
	s.mu.Unlock()

	if remaining == 0 && s.immediate {
		return s.collectLocked(ctx, d)
	}
	return nil
}

// collectLocked removes a zero-reference blob. Callers hold the digest lock.
func (s *Store) collectLocked(ctx context.Context, d digest.Digest) error {
	if err := s.backend.Delete(ctx, d); err != nil {
		return errors.Wrapf(err, "collect blob %s", d)
	}
	s.mu.Lock()
	delete(s.entries, d)
	s.mu.Unlock()
	return nil
}

func (s *Store) RefCount(ctx context.Context, d digest.Digest) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[d]
	if !ok {
		return 0, errors.Wrapf(models.ErrNotFound, "blob %s", d)
	}
	return len(e.holders), nil
}

// Holders lists the holders of d in sorted order.
func (s *Store) Holders(d digest.Digest) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[d]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.holders))
	for h := range e.holders {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Sweep deletes every blob without holders and returns how many were
// collected. It keeps going past individual failures and reports the first.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	var candidates []digest.Digest
	for d, e := range s.entries {
		if len(e.holders) == 0 {
			candidates = append(candidates, d)
		}
	}
	s.mu.RUnlock()

	collected := 0
	var firstErr error
	for _, d := range candidates {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		unlock := s.locks.Lock(d.String())
		e := s.lookup(d)
		if e != nil && s.holderCount(e) == 0 {
			if err := s.collectLocked(ctx, d); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				log.LogAppWarn("blob collection failed", err, "digest", d.String())
			} else {
				collected++
			}
		}
		unlock()
	}
	return collected, firstErr
}

func (s *Store) holderCount(e *entry) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(e.holders)
}

// Restore replaces the reference table, typically with the holders
// recorded in the metadata index at startup. Sizes are taken from sizes
// when present.
func (s *Store) Restore(holders map[digest.Digest][]string, sizes map[digest.Digest]int64) {
	entries := make(map[digest.Digest]*entry, len(holders))
	now := s.now()
	for d, hs := range holders {
		e := &entry{size: sizes[d], holders: make(map[string]time.Time, len(hs))}
		for _, h := range hs {
			e.holders[h] = now
		}
		entries[d] = e
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Reconcile drops holders for which live returns false, ignoring holders
// added within grace so in-flight uploads are not mistaken for orphans.
func (s *Store) Reconcile(ctx context.Context, live func(d digest.Digest, holder string) bool, grace time.Duration) int {
	cutoff := s.now().Add(-grace)

	s.mu.RLock()
	digests := make([]digest.Digest, 0, len(s.entries))
	for d := range s.entries {
		digests = append(digests, d)
	}
	s.mu.RUnlock()

	dropped := 0
	for _, d := range digests {
		if ctx.Err() != nil {
			break
		}
		unlock := s.locks.Lock(d.String())
		var candidates []string
		s.mu.RLock()
		if e, ok := s.entries[d]; ok {
			for h, added := range e.holders {
				if added.Before(cutoff) {
					candidates = append(candidates, h)
				}
			}
		}
		s.mu.RUnlock()

		var orphans []string
		for _, h := range candidates {
			if !live(d, h) {
				orphans = append(orphans, h)
			}
		}
		if len(orphans) > 0 {
			s.mu.Lock()
			if e, ok := s.entries[d]; ok {
				for _, h := range orphans {
					delete(e.holders, h)
					dropped++
				}
			}
			s.mu.Unlock()
		}
		unlock()
	}
	return dropped
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, e := range s.entries {
		st.UniqueBlobs++
		st.StoredBytes += e.size
		st.References += int64(len(e.holders))
		st.ReferencedBytes += e.size * int64(len(e.holders))
		if len(e.holders) == 0 {
			st.Collectable++
			st.CollectableBytes += e.size
		}
	}
	return st
}
