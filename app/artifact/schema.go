package artifact

import "github.com/novatra/novatra/models"

type UploadArtifactRequest struct {
	Name    string `form:"name" binding:"required"`
	Version string `form:"version" binding:"required"`
}

type ListArtifactsRequest struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"`
}

type ListArtifactsResponse struct {
	Items      []models.Artifact `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}
