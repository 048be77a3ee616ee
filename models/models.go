package models

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

type RepositoryType string

const (
	Maven  RepositoryType = "maven"
	Docker RepositoryType = "docker"
	Npm    RepositoryType = "npm"
	Raw    RepositoryType = "raw"
)

var RepositoryTypes = []RepositoryType{Maven, Docker, Npm, Raw}

func ParseRepositoryType(s string) (RepositoryType, bool) {
	t := RepositoryType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range RepositoryTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case Public, "":
		return Public, true
	case Private:
		return Private, true
	}
	return "", false
}

// Repository is a named collection of artifacts of a single type.
// Type is fixed at creation. ArtifactCount, SizeBytes and Downloads are
// maintained incrementally by the index.
type Repository struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description" db:"description"`
	Type          RepositoryType `json:"type" db:"type"`
	Visibility    Visibility     `json:"visibility" db:"visibility"`
	Owner         string         `json:"owner" db:"owner"`
	Tags          []string       `json:"tags" db:"-"`
	Starred       bool           `json:"starred" db:"starred"`
	ArtifactCount int64          `json:"artifactCount" db:"artifact_count"`
	SizeBytes     int64          `json:"size" db:"size_bytes"`
	Downloads     int64          `json:"downloads" db:"downloads"`
	Deleting      bool           `json:"-" db:"deleting"`
	CreatedAt     time.Time      `json:"createdAt" db:"-"`
	LastModified  time.Time      `json:"lastModified" db:"-"`
}

// VisibleTo reports whether actor may read the repository.
func (r Repository) VisibleTo(actor string) bool {
	return r.Visibility != Private || (actor != "" && actor == r.Owner)
}

func (r Repository) OwnedBy(actor string) bool {
	return actor != "" && actor == r.Owner
}

// Artifact is a single uploaded object. (RepositoryID, Name, Version) is
// unique. Released marks that the blob reference held by this artifact has
// already been given back during a cascade delete.
type Artifact struct {
	ID           string        `json:"id" db:"id"`
	RepositoryID string        `json:"repositoryId" db:"repository_id"`
	// Sequence orders artifacts within a repository by first upload.
	Sequence     int64         `json:"-" db:"seq"`
	Name         string        `json:"name" db:"name"`
	Version      string        `json:"version" db:"version"`
	ContentHash  digest.Digest `json:"contentHash" db:"content_hash"`
	Size         int64         `json:"size" db:"size_bytes"`
	Downloads    int64         `json:"downloads" db:"downloads"`
	Released     bool          `json:"-" db:"released"`
	UploadedAt   time.Time     `json:"uploadedAt" db:"-"`
}

// Stats are the dashboard totals.
type Stats struct {
	Repositories  int64                    `json:"repositories"`
	Artifacts     int64                    `json:"artifacts"`
	SizeBytes     int64                    `json:"size"`
	Downloads     int64                    `json:"downloads"`
	ByType        map[RepositoryType]int64 `json:"storageByType"`
	UniqueBlobs   int64                    `json:"uniqueBlobs"`
	StoredBytes   int64                    `json:"storedBytes"`
	SavedByDedupe int64                    `json:"savedByDedupe"`
}
