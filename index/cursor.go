package index

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/novatra/novatra/models"
)

// repositoryCursor points after the repository with this (name, id).
type repositoryCursor struct {
	Name string `json:"n"`
	ID   string `json:"i"`
}

// artifactCursor points after the artifact with this sequence number.
// Sequence numbers grow per repository and survive tag moves, unlike
// upload times.
type artifactCursor struct {
	Seq int64 `json:"s"`
}

func encodeCursor(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string, v interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cursor))
	if err != nil {
		return errors.Wrap(models.ErrInvalidArgument, "malformed cursor")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(models.ErrInvalidArgument, "malformed cursor")
	}
	return nil
}

func matchesFilter(repo models.Repository, filter string) bool {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return true
	}
	if strings.Contains(strings.ToLower(repo.Name), filter) ||
		strings.Contains(strings.ToLower(repo.Description), filter) {
		return true
	}
	for _, tag := range repo.Tags {
		if strings.Contains(strings.ToLower(tag), filter) {
			return true
		}
	}
	return false
}
