package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/novatra/novatra/models"
)

type Type string

const (
	RepositoryCreated  Type = "repository.created"
	RepositoryDeleted  Type = "repository.deleted"
	RepositoryStarred  Type = "repository.starred"
	ArtifactUploaded   Type = "artifact.uploaded"
	ArtifactDeleted    Type = "artifact.deleted"
	ArtifactDownloaded Type = "artifact.downloaded"
)

var Types = []Type{
	RepositoryCreated,
	RepositoryDeleted,
	RepositoryStarred,
	ArtifactUploaded,
	ArtifactDeleted,
	ArtifactDownloaded,
}

func ParseType(s string) (Type, bool) {
	t := Type(strings.TrimSpace(s))
	for _, known := range Types {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Payload is implemented by the payload struct of each event type.
type Payload interface {
	EventType() Type
}

// Event is immutable once published; subscribers share the same value.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	RepositoryID string    `json:"repositoryId"`
	ArtifactID   string    `json:"artifactId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      Payload   `json:"payload"`

	// Private events are only shown to the repository owner on
	// restricted subscriptions.
	Private bool   `json:"-"`
	Owner   string `json:"-"`
}

func New(repositoryID, artifactID string, payload Payload) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         payload.EventType(),
		RepositoryID: repositoryID,
		ArtifactID:   artifactID,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
}

// ForRepository builds an event about repo, inheriting its visibility.
func ForRepository(repo models.Repository, artifactID string, payload Payload) Event {
	e := New(repo.ID, artifactID, payload)
	e.Private = repo.Visibility == models.Private
	e.Owner = repo.Owner
	return e
}

type RepositoryCreatedPayload struct {
	Name       string                `json:"name"`
	Type       models.RepositoryType `json:"repositoryType"`
	Visibility models.Visibility     `json:"visibility"`
	Owner      string                `json:"owner"`
}

func (RepositoryCreatedPayload) EventType() Type { return RepositoryCreated }

type RepositoryDeletedPayload struct {
	Name          string `json:"name"`
	ArtifactCount int64  `json:"artifactCount"`
	SizeBytes     int64  `json:"size"`
}

func (RepositoryDeletedPayload) EventType() Type { return RepositoryDeleted }

type RepositoryStarredPayload struct {
	Name    string `json:"name"`
	Starred bool   `json:"starred"`
}

func (RepositoryStarredPayload) EventType() Type { return RepositoryStarred }

type ArtifactUploadedPayload struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	ContentHash digest.Digest `json:"contentHash"`
	Size        int64         `json:"size"`
	// Replaced is set when a docker tag was moved to new content.
	Replaced bool `json:"replaced,omitempty"`
}

func (ArtifactUploadedPayload) EventType() Type { return ArtifactUploaded }

type ArtifactDeletedPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

func (ArtifactDeletedPayload) EventType() Type { return ArtifactDeleted }

type ArtifactDownloadedPayload struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Downloads int64  `json:"downloads"`
}

func (ArtifactDownloadedPayload) EventType() Type { return ArtifactDownloaded }
