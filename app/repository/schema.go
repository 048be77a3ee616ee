package repository

import "github.com/novatra/novatra/models"

type CreateRepositoryRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Type        string   `json:"type" binding:"required"`
	Visibility  string   `json:"visibility"`
	Tags        []string `json:"tags"`
}

type ListRepositoriesRequest struct {
	Filter  string `form:"q"`
	Owner   string `form:"owner"`
	Type    string `form:"type"`
	Starred string `form:"starred"`
	Cursor  string `form:"cursor"`
	Limit   int    `form:"limit"`
}

type ListRepositoriesResponse struct {
	Items      []models.Repository `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}
