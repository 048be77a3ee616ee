// Package manager implements the repository and artifact lifecycle on top
// of the blob store and the metadata index.
//
// Mutations of one repository are serialized by a per-repository lock,
// under which the resulting event is also published, so subscribers see a
// repository's events in the order its mutations took effect. Different
// repositories proceed in parallel.
package manager

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/blobstore"
	"github.com/novatra/novatra/events"
	"github.com/novatra/novatra/index"
	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/models"
	"github.com/novatra/novatra/utils"
)

// Blobs is the part of the blob store the manager uses.
type Blobs interface {
	Put(ctx context.Context, data []byte, holder string) (digest.Digest, error)
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	Release(ctx context.Context, d digest.Digest, holder string) error
	Restore(holders map[digest.Digest][]string, sizes map[digest.Digest]int64)
	Stats() blobstore.Stats
}

type Publisher interface {
	Publish(e events.Event)
}

type Recorder interface {
	RecordOperation(operation string, success bool, duration time.Duration)
}

type Options struct {
	// ReleaseRetries bounds the retries of each cascade-delete step that
	// fails with an IOFailure.
	ReleaseRetries uint64
	RetryInterval  time.Duration
	Recorder       Recorder
}

type Manager struct {
	index     index.Index
	blobs     Blobs
	publisher Publisher
	opts      Options
	locks     *utils.KeyedMutex
	now       func() time.Time
}

func New(idx index.Index, blobs Blobs, publisher Publisher, opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Manager{
		index:     idx,
		blobs:     blobs,
		publisher: publisher,
		opts:      opts,
		locks:     utils.NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RepositorySpec describes a repository to create.
type RepositorySpec struct {
	Name        string
	Description string
	Type        string
	Visibility  string
	Tags        []string
}

func (m *Manager) observe(operation string, start time.Time, err *error) {
	if m.opts.Recorder != nil {
		m.opts.Recorder.RecordOperation(operation, *err == nil, time.Since(start))
	}
}

func (m *Manager) publish(e events.Event) {
	if m.publisher != nil {
		m.publisher.Publish(e)
	}
}

func (m *Manager) CreateRepository(ctx context.Context, spec RepositorySpec) (repo models.Repository, err error) {
	defer m.observe("create_repository", time.Now(), &err)

	actor := ActorFrom(ctx)
	if actor == "" {
		return models.Repository{}, errors.Wrap(models.ErrUnauthorized, "creating a repository needs an actor")
	}
	name := strings.TrimSpace(spec.Name)
	if err := validateRepositoryName(name); err != nil {
		return models.Repository{}, err
	}
	typ, ok := models.ParseRepositoryType(spec.Type)
	if !ok {
		return models.Repository{}, errors.Wrapf(models.ErrInvalidArgument, "unknown repository type %q", spec.Type)
	}
	visibility, ok := models.ParseVisibility(spec.Visibility)
	if !ok {
		return models.Repository{}, errors.Wrapf(models.ErrInvalidArgument, "unknown visibility %q", spec.Visibility)
	}

	now := m.now()
	repo = models.Repository{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  strings.TrimSpace(spec.Description),
		Type:         typ,
		Visibility:   visibility,
		Owner:        actor,
		Tags:         normalizeTags(spec.Tags),
		CreatedAt:    now,
		LastModified: now,
	}

	unlock := m.locks.Lock(repo.ID)
	defer unlock()
	if err := m.index.CreateRepository(ctx, repo); err != nil {
		return models.Repository{}, err
	}
	log.LogAppInfo("repository created", "repository", repo.ID, "name", repo.Name, "type", repo.Type, "owner", actor)
	m.publish(events.ForRepository(repo, "", events.RepositoryCreatedPayload{
		Name:       repo.Name,
		Type:       repo.Type,
		Visibility: repo.Visibility,
		Owner:      repo.Owner,
	}))
	return repo, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// readable loads a repository the actor may see.
func (m *Manager) readable(ctx context.Context, id string) (models.Repository, error) {
	repo, err := m.index.GetRepository(ctx, id)
	if err != nil {
		return models.Repository{}, err
	}
	if !repo.VisibleTo(ActorFrom(ctx)) {
		return models.Repository{}, errors.Wrapf(models.ErrUnauthorized, "repository %s is private", id)
	}
	return repo, nil
}

// writable loads a repository the actor owns.
func (m *Manager) writable(ctx context.Context, id string) (models.Repository, error) {
	repo, err := m.index.GetRepository(ctx, id)
	if err != nil {
		return models.Repository{}, err
	}
	if !repo.OwnedBy(ActorFrom(ctx)) {
		return models.Repository{}, errors.Wrapf(models.ErrUnauthorized, "only the owner may modify repository %s", id)
	}
	return repo, nil
}

func (m *Manager) GetRepository(ctx context.Context, id string) (models.Repository, error) {
	repo, err := m.readable(ctx, id)
	if err != nil {
		return models.Repository{}, err
	}
	if repo.Deleting {
		return models.Repository{}, errors.Wrapf(models.ErrNotFound, "repository %s is being deleted", id)
	}
	return repo, nil
}

func (m *Manager) ListRepositories(ctx context.Context, q index.RepositoryQuery) (index.RepositoryPage, error) {
	q.Viewer = ActorFrom(ctx)
	return m.index.ListRepositories(ctx, q)
}

// UploadArtifact stores data under (name, version) in the repository.
// Re-uploading an existing coordinate is allowed only where the repository
// type permits it; the artifact then keeps its id and takes the new content.
func (m *Manager) UploadArtifact(ctx context.Context, repoID, name, version string, data []byte) (artifact models.Artifact, err error) {
	defer m.observe("upload", time.Now(), &err)

	unlock := m.locks.Lock(repoID)
	defer unlock()

	repo, err := m.writable(ctx, repoID)
	if err != nil {
		return models.Artifact{}, err
	}
	if repo.Deleting {
		return models.Artifact{}, errors.Wrapf(models.ErrConflict, "repository %s is being deleted", repoID)
	}
	if err := ValidateCoordinate(repo.Type, name, version); err != nil {
		return models.Artifact{}, err
	}

	existing, err := m.index.FindByCoordinate(ctx, repoID, name, version)
	found := err == nil
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.Artifact{}, err
	}
	if found && !overwritable(repo.Type) {
		return models.Artifact{}, errors.Wrapf(models.ErrConflict, "%s:%s already exists in %s", name, version, repo.Name)
	}

	artifact = models.Artifact{
		ID:           uuid.NewString(),
		RepositoryID: repoID,
		Name:         name,
		Version:      version,
		Size:         int64(len(data)),
		UploadedAt:   m.now(),
	}
	if found {
		artifact.ID = existing.ID
		artifact.Downloads = existing.Downloads
		artifact.Sequence = existing.Sequence
	}

	artifact.ContentHash, err = m.blobs.Put(ctx, data, artifact.ID)
	if err != nil {
		return models.Artifact{}, err
	}
	sameContent := found && existing.ContentHash == artifact.ContentHash

	if found {
		err = m.index.ReplaceArtifact(ctx, artifact)
	} else {
		err = m.index.InsertArtifact(ctx, artifact)
	}
	if err != nil {
		if !sameContent {
			m.rollback(ctx, artifact)
		}
		return models.Artifact{}, err
	}

	if found && !sameContent {
		// the tag moved, so the artifact no longer holds its old blob
		if err := m.release(ctx, existing.ContentHash, existing.ID); err != nil {
			log.LogAppWarn("previous blob not released, left to reconciliation", err,
				"artifact", existing.ID, "digest", existing.ContentHash)
		}
	}

	log.LogAppInfo("artifact uploaded", "repository", repoID, "artifact", artifact.ID,
		"coordinate", name+":"+version, "size", utils.FormatSize(artifact.Size), "replaced", found)
	m.publish(events.ForRepository(repo, artifact.ID, events.ArtifactUploadedPayload{
		Name:        name,
		Version:     version,
		ContentHash: artifact.ContentHash,
		Size:        artifact.Size,
		Replaced:    found,
	}))
	return artifact, nil
}

func (m *Manager) rollback(ctx context.Context, a models.Artifact) {
	if err := m.blobs.Release(context.WithoutCancel(ctx), a.ContentHash, a.ID); err != nil {
		log.LogAppWarn("upload rollback could not release blob, left to reconciliation", err,
			"artifact", a.ID, "digest", a.ContentHash)
	}
}

func (m *Manager) GetArtifact(ctx context.Context, artifactID string) (models.Artifact, error) {
	a, _, err := m.readableArtifact(ctx, artifactID)
	return a, err
}

func (m *Manager) readableArtifact(ctx context.Context, artifactID string) (models.Artifact, models.Repository, error) {
	a, err := m.index.GetArtifact(ctx, artifactID)
	if err != nil {
		return models.Artifact{}, models.Repository{}, err
	}
	repo, err := m.readable(ctx, a.RepositoryID)
	if err != nil {
		return models.Artifact{}, models.Repository{}, err
	}
	if repo.Deleting || a.Released {
		return models.Artifact{}, models.Repository{}, errors.Wrapf(models.ErrNotFound, "artifact %s", artifactID)
	}
	return a, repo, nil
}

// DownloadArtifact returns the artifact with its bytes and counts the
// download. It does not wait for mutations of the repository; the counter
// update is atomic in the index.
func (m *Manager) DownloadArtifact(ctx context.Context, artifactID string) (a models.Artifact, data []byte, err error) {
	defer m.observe("download", time.Now(), &err)

	a, repo, err := m.readableArtifact(ctx, artifactID)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	data, err = m.blobs.Get(ctx, a.ContentHash)
	if err != nil {
		return models.Artifact{}, nil, err
	}

	if err := m.index.IncrementDownloads(ctx, a.ID); err != nil {
		return models.Artifact{}, nil, err
	}
	a.Downloads++
	m.publish(events.ForRepository(repo, a.ID, events.ArtifactDownloadedPayload{
		Name:      a.Name,
		Version:   a.Version,
		Downloads: a.Downloads,
	}))
	return a, data, nil
}

func (m *Manager) ListArtifacts(ctx context.Context, repoID string, page index.Page) (index.ArtifactPage, error) {
	if _, err := m.GetRepository(ctx, repoID); err != nil {
		return index.ArtifactPage{}, err
	}
	return m.index.ListArtifacts(ctx, repoID, page)
}

// DeleteArtifact removes the artifact row and gives back its blob
// reference. A reference that cannot be released is left for the
// reconciliation worker; the artifact is gone either way.
func (m *Manager) DeleteArtifact(ctx context.Context, artifactID string) (err error) {
	defer m.observe("delete_artifact", time.Now(), &err)

	a, err := m.index.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(a.RepositoryID)
	defer unlock()

	// it may have changed while we waited for the lock
	a, err = m.index.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	repo, err := m.writable(ctx, a.RepositoryID)
	if err != nil {
		return err
	}
	if repo.Deleting {
		return errors.Wrapf(models.ErrConflict, "repository %s is being deleted", repo.ID)
	}

	if err := m.index.DeleteArtifact(ctx, a.ID); err != nil {
		return err
	}
	if err := m.release(ctx, a.ContentHash, a.ID); err != nil {
		log.LogAppWarn("blob not released, left to reconciliation", err, "artifact", a.ID, "digest", a.ContentHash)
	}

	log.LogAppInfo("artifact deleted", "repository", repo.ID, "artifact", a.ID, "coordinate", a.Name+":"+a.Version)
	m.publish(events.ForRepository(repo, a.ID, events.ArtifactDeletedPayload{
		Name:    a.Name,
		Version: a.Version,
		Size:    a.Size,
	}))
	return nil
}

// DeleteRepository removes the repository and every artifact in it.
//
// The repository is first marked as deleting, which rejects new uploads.
// Each artifact's blob reference is then released and the artifact marked
// released, so a call that fails halfway can simply be repeated: it picks
// up the artifacts not yet released and never releases a blob twice.
func (m *Manager) DeleteRepository(ctx context.Context, repoID string) (err error) {
	defer m.observe("delete_repository", time.Now(), &err)

	unlock := m.locks.Lock(repoID)
	defer unlock()

	repo, err := m.writable(ctx, repoID)
	if err != nil {
		return err
	}
	if !repo.Deleting {
		if err := m.retry(ctx, "mark repository deleting", func() error {
			return m.index.MarkRepositoryDeleting(ctx, repoID)
		}); err != nil {
			return err
		}
	}

	var pending []models.Artifact
	if err := m.retry(ctx, "list unreleased artifacts", func() (err error) {
		pending, err = m.index.UnreleasedArtifacts(ctx, repoID)
		return err
	}); err != nil {
		return err
	}
	for _, a := range pending {
		if err := m.release(ctx, a.ContentHash, a.ID); err != nil {
			return errors.Wrapf(err, "release artifact %s", a.ID)
		}
		if err := m.retry(ctx, "mark artifact released", func() error {
			return m.index.MarkArtifactReleased(ctx, a.ID)
		}); err != nil {
			return errors.Wrapf(err, "mark artifact %s released", a.ID)
		}
	}

	if err := m.retry(ctx, "remove repository", func() error {
		return m.index.DeleteRepository(ctx, repoID)
	}); err != nil {
		return err
	}

	log.LogAppInfo("repository deleted", "repository", repoID, "name", repo.Name,
		"artifacts", repo.ArtifactCount, "size", utils.FormatSize(repo.SizeBytes))
	m.publish(events.ForRepository(repo, "", events.RepositoryDeletedPayload{
		Name:          repo.Name,
		ArtifactCount: repo.ArtifactCount,
		SizeBytes:     repo.SizeBytes,
	}))
	return nil
}

// ToggleStar flips the shared starred flag and returns the repository as
// it is afterwards.
func (m *Manager) ToggleStar(ctx context.Context, repoID string) (repo models.Repository, err error) {
	defer m.observe("toggle_star", time.Now(), &err)

	unlock := m.locks.Lock(repoID)
	defer unlock()

	for {
		repo, err = m.GetRepository(ctx, repoID)
		if err != nil {
			return models.Repository{}, err
		}
		swapped, err := m.index.CompareAndSetStarred(ctx, repoID, repo.Starred, !repo.Starred)
		if err != nil {
			return models.Repository{}, err
		}
		if swapped {
			break
		}
		if err := ctx.Err(); err != nil {
			return models.Repository{}, errors.WithStack(err)
		}
	}
	repo.Starred = !repo.Starred

	m.publish(events.ForRepository(repo, "", events.RepositoryStarredPayload{
		Name:    repo.Name,
		Starred: repo.Starred,
	}))
	return repo, nil
}

// Stats returns the dashboard totals including blob deduplication.
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	st, err := m.index.Stats(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	blobs := m.blobs.Stats()
	st.UniqueBlobs = blobs.UniqueBlobs
	st.StoredBytes = blobs.StoredBytes
	if saved := blobs.ReferencedBytes - (blobs.StoredBytes - blobs.CollectableBytes); saved > 0 {
		st.SavedByDedupe = saved
	}
	return st, nil
}

// Recover rebuilds the blob reference sets from the index. It runs once at
// startup before requests are served.
func (m *Manager) Recover(ctx context.Context) error {
	refs, err := m.index.BlobReferences(ctx)
	if err != nil {
		return err
	}
	m.blobs.Restore(refs.Holders, refs.Sizes)
	log.LogAppInfo("blob references restored", "blobs", len(refs.Holders))
	return nil
}

func (m *Manager) release(ctx context.Context, d digest.Digest, holder string) error {
	return m.retry(ctx, "release blob", func() error {
		return m.blobs.Release(ctx, d, holder)
	})
}

// retry repeats op with exponential backoff while it fails with an
// IOFailure. Other errors are returned at once.
func (m *Manager) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryInterval
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, models.ErrIOFailure) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, m.opts.ReleaseRetries), ctx),
		func(err error, wait time.Duration) {
			log.LogAppWarn("retrying "+what, err, "retry_in", wait)
		})
}
