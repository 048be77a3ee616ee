package index

import (
	"context"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/models"
)

// Memory is an in-process Index. Reads take a shared lock and see a
// consistent snapshot.
type Memory struct {
	mu          sync.RWMutex
	repos       map[string]*models.Repository
	ownerNames  map[string]string
	artifacts   map[string]*models.Artifact
	byRepo      map[string]map[string]struct{}
	coordinates map[string]string
	sequences   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		repos:       make(map[string]*models.Repository),
		ownerNames:  make(map[string]string),
		artifacts:   make(map[string]*models.Artifact),
		byRepo:      make(map[string]map[string]struct{}),
		coordinates: make(map[string]string),
		sequences:   make(map[string]int64),
	}
}

func ownerNameKey(owner, name string) string {
	return owner + "\x00" + name
}

func coordinateKey(repositoryID, name, version string) string {
	return repositoryID + "\x00" + name + "\x00" + version
}

func copyRepository(r *models.Repository) models.Repository {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	return out
}

func (m *Memory) CreateRepository(ctx context.Context, repo models.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[repo.ID]; ok {
		return errors.Wrapf(models.ErrConflict, "repository id %s already exists", repo.ID)
	}
	key := ownerNameKey(repo.Owner, repo.Name)
	if _, ok := m.ownerNames[key]; ok {
		return errors.Wrapf(models.ErrConflict, "repository %s already exists for owner %q", repo.Name, repo.Owner)
	}
	stored := copyRepository(&repo)
	m.repos[repo.ID] = &stored
	m.ownerNames[key] = repo.ID
	m.byRepo[repo.ID] = make(map[string]struct{})
	return nil
}

func (m *Memory) GetRepository(ctx context.Context, id string) (models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.repos[id]
	if !ok {
		return models.Repository{}, errors.Wrapf(models.ErrNotFound, "repository %s", id)
	}
	return copyRepository(r), nil
}

func (m *Memory) ListRepositories(ctx context.Context, q RepositoryQuery) (RepositoryPage, error) {
	limit := normalizeLimit(q.Limit)
	var after *repositoryCursor
	if q.Cursor != "" {
		after = &repositoryCursor{}
		if err := decodeCursor(q.Cursor, after); err != nil {
			return RepositoryPage{}, err
		}
	}

	m.mu.RLock()
	matched := make([]models.Repository, 0, len(m.repos))
	for _, r := range m.repos {
		if r.Deleting || !r.VisibleTo(q.Viewer) {
			continue
		}
		if q.Owner != "" && r.Owner != q.Owner {
			continue
		}
		if q.Type != "" && r.Type != q.Type {
			continue
		}
		if q.Starred != nil && r.Starred != *q.Starred {
			continue
		}
		if !matchesFilter(*r, q.Filter) {
			continue
		}
		if after != nil && (r.Name < after.Name || (r.Name == after.Name && r.ID <= after.ID)) {
			continue
		}
		matched = append(matched, copyRepository(r))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID < matched[j].ID
	})

	page := RepositoryPage{Items: matched}
	if len(matched) > limit {
		page.Items = matched[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(repositoryCursor{Name: last.Name, ID: last.ID})
	}
	return page, nil
}

func (m *Memory) CompareAndSetStarred(ctx context.Context, id string, old, new bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[id]
	if !ok {
		return false, errors.Wrapf(models.ErrNotFound, "repository %s", id)
	}
	if r.Starred != old {
		return false, nil
	}
	r.Starred = new
	return true, nil
}

func (m *Memory) MarkRepositoryDeleting(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "repository %s", id)
	}
	r.Deleting = true
	return nil
}

func (m *Memory) DeleteRepository(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "repository %s", id)
	}
	for artifactID := range m.byRepo[id] {
		m.removeArtifactLocked(m.artifacts[artifactID])
	}
	delete(m.byRepo, id)
	delete(m.sequences, id)
	delete(m.ownerNames, ownerNameKey(r.Owner, r.Name))
	delete(m.repos, id)
	return nil
}

func (m *Memory) InsertArtifact(ctx context.Context, a models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[a.RepositoryID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "repository %s", a.RepositoryID)
	}
	if r.Deleting {
		return errors.Wrapf(models.ErrConflict, "repository %s is being deleted", a.RepositoryID)
	}
	key := coordinateKey(a.RepositoryID, a.Name, a.Version)
	if _, ok := m.coordinates[key]; ok {
		return errors.Wrapf(models.ErrConflict, "%s:%s already exists", a.Name, a.Version)
	}
	if _, ok := m.artifacts[a.ID]; ok {
		return errors.Wrapf(models.ErrConflict, "artifact id %s already exists", a.ID)
	}

	m.sequences[a.RepositoryID]++
	stored := a
	stored.Sequence = m.sequences[a.RepositoryID]
	m.artifacts[a.ID] = &stored
	m.byRepo[a.RepositoryID][a.ID] = struct{}{}
	m.coordinates[key] = a.ID

	r.ArtifactCount++
	r.SizeBytes += a.Size
	r.LastModified = a.UploadedAt
	return nil
}

func (m *Memory) ReplaceArtifact(ctx context.Context, a models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.artifacts[a.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "artifact %s", a.ID)
	}
	r := m.repos[existing.RepositoryID]
	if r.Deleting {
		return errors.Wrapf(models.ErrConflict, "repository %s is being deleted", r.ID)
	}

	r.SizeBytes += a.Size - existing.Size
	r.LastModified = a.UploadedAt
	existing.ContentHash = a.ContentHash
	existing.Size = a.Size
	existing.UploadedAt = a.UploadedAt
	return nil
}

func (m *Memory) DeleteArtifact(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "artifact %s", id)
	}
	m.removeArtifactLocked(a)
	return nil
}

func (m *Memory) removeArtifactLocked(a *models.Artifact) {
	if a == nil {
		return
	}
	if r, ok := m.repos[a.RepositoryID]; ok {
		r.ArtifactCount--
		r.SizeBytes -= a.Size
	}
	delete(m.byRepo[a.RepositoryID], a.ID)
	delete(m.coordinates, coordinateKey(a.RepositoryID, a.Name, a.Version))
	delete(m.artifacts, a.ID)
}

func (m *Memory) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[id]
	if !ok {
		return models.Artifact{}, errors.Wrapf(models.ErrNotFound, "artifact %s", id)
	}
	return *a, nil
}

func (m *Memory) FindByCoordinate(ctx context.Context, repositoryID, name, version string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.coordinates[coordinateKey(repositoryID, name, version)]
	if !ok {
		return models.Artifact{}, errors.Wrapf(models.ErrNotFound, "%s:%s", name, version)
	}
	return *m.artifacts[id], nil
}

func (m *Memory) ListArtifacts(ctx context.Context, repositoryID string, page Page) (ArtifactPage, error) {
	limit := normalizeLimit(page.Limit)
	var after *artifactCursor
	if page.Cursor != "" {
		after = &artifactCursor{}
		if err := decodeCursor(page.Cursor, after); err != nil {
			return ArtifactPage{}, err
		}
	}

	m.mu.RLock()
	if _, ok := m.repos[repositoryID]; !ok {
		m.mu.RUnlock()
		return ArtifactPage{}, errors.Wrapf(models.ErrNotFound, "repository %s", repositoryID)
	}
	items := make([]models.Artifact, 0, len(m.byRepo[repositoryID]))
	for id := range m.byRepo[repositoryID] {
		a := m.artifacts[id]
		if after != nil && a.Sequence <= after.Seq {
			continue
		}
		items = append(items, *a)
	}
	m.mu.RUnlock()

	sortArtifacts(items)
	out := ArtifactPage{Items: items}
	if len(items) > limit {
		out.Items = items[:limit]
		last := out.Items[limit-1]
		out.NextCursor = encodeCursor(artifactCursor{Seq: last.Sequence})
	}
	return out, nil
}

func sortArtifacts(items []models.Artifact) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Sequence < items[j].Sequence
	})
}

func (m *Memory) UnreleasedArtifacts(ctx context.Context, repositoryID string) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.repos[repositoryID]; !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "repository %s", repositoryID)
	}
	var out []models.Artifact
	for id := range m.byRepo[repositoryID] {
		if a := m.artifacts[id]; !a.Released {
			out = append(out, *a)
		}
	}
	sortArtifacts(out)
	return out, nil
}

func (m *Memory) MarkArtifactReleased(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "artifact %s", id)
	}
	a.Released = true
	return nil
}

func (m *Memory) IncrementDownloads(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "artifact %s", id)
	}
	a.Downloads++
	if r, ok := m.repos[a.RepositoryID]; ok {
		r.Downloads++
	}
	return nil
}

func (m *Memory) BlobReferences(ctx context.Context) (BlobRefs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := BlobRefs{
		Holders: make(map[digest.Digest][]string),
		Sizes:   make(map[digest.Digest]int64),
	}
	for _, a := range m.artifacts {
		if a.Released {
			continue
		}
		refs.Holders[a.ContentHash] = append(refs.Holders[a.ContentHash], a.ID)
		refs.Sizes[a.ContentHash] = a.Size
	}
	return refs, nil
}

func (m *Memory) HoldsBlob(ctx context.Context, artifactID string, d digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[artifactID]
	return ok && !a.Released && a.ContentHash == d, nil
}

func (m *Memory) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := models.Stats{ByType: make(map[models.RepositoryType]int64)}
	for _, r := range m.repos {
		st.Repositories++
		st.Artifacts += r.ArtifactCount
		st.SizeBytes += r.SizeBytes
		st.Downloads += r.Downloads
		st.ByType[r.Type] += r.SizeBytes
	}
	return st, nil
}

func (m *Memory) Close() error {
	return nil
}
