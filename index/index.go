// Package index is the metadata catalog of repositories and artifacts.
//
// Implementations keep the repository aggregates (artifact count, size,
// downloads) in step with every artifact insert, replace and delete so that
// reading a repository never scans its artifacts. Listings are keyset
// paginated: a cursor names the last row returned, so rows inserted while a
// client pages through a listing never cause skips or duplicates.
package index

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/novatra/novatra/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type RepositoryQuery struct {
	// Filter matches name, description and tags, case-insensitively.
	Filter string
	// Viewer hides other owners' private repositories.
	Viewer  string
	Owner   string
	Type    models.RepositoryType
	Starred *bool
	Cursor  string
	Limit   int
}

type Page struct {
	Cursor string
	Limit  int
}

type RepositoryPage struct {
	Items      []models.Repository `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type ArtifactPage struct {
	Items      []models.Artifact `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// BlobRefs describes which artifacts hold which blobs.
type BlobRefs struct {
	Holders map[digest.Digest][]string
	Sizes   map[digest.Digest]int64
}

type Index interface {
	CreateRepository(ctx context.Context, repo models.Repository) error
	GetRepository(ctx context.Context, id string) (models.Repository, error)
	ListRepositories(ctx context.Context, q RepositoryQuery) (RepositoryPage, error)
	// CompareAndSetStarred flips starred from old to new and reports
	// whether the stored value still was old.
	CompareAndSetStarred(ctx context.Context, id string, old, new bool) (bool, error)
	MarkRepositoryDeleting(ctx context.Context, id string) error
	// DeleteRepository removes the repository row and all of its artifact
	// rows.
	DeleteRepository(ctx context.Context, id string) error

	InsertArtifact(ctx context.Context, a models.Artifact) error
	// ReplaceArtifact swaps the content of an existing artifact (same id),
	// adjusting the repository size aggregate by the difference.
	ReplaceArtifact(ctx context.Context, a models.Artifact) error
	DeleteArtifact(ctx context.Context, id string) error
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	FindByCoordinate(ctx context.Context, repositoryID, name, version string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, repositoryID string, page Page) (ArtifactPage, error)
	UnreleasedArtifacts(ctx context.Context, repositoryID string) ([]models.Artifact, error)
	MarkArtifactReleased(ctx context.Context, id string) error
	IncrementDownloads(ctx context.Context, id string) error

	BlobReferences(ctx context.Context) (BlobRefs, error)
	// HoldsBlob reports whether the artifact exists, is not released and
	// references d.
	HoldsBlob(ctx context.Context, artifactID string, d digest.Digest) (bool, error)
	Stats(ctx context.Context) (models.Stats, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
