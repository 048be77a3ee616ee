package repository

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/app/apierror"
	"github.com/novatra/novatra/index"
	"github.com/novatra/novatra/manager"
	"github.com/novatra/novatra/models"
)

type RepositoryService struct {
	Manager *manager.Manager
}

// GetRepositories lists the repositories the caller can see.
func (s RepositoryService) GetRepositories(c *gin.Context) {
	var req ListRepositoriesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierror.BadRequest(c, err)
		return
	}
	q := index.RepositoryQuery{
		Filter: req.Filter,
		Owner:  req.Owner,
		Cursor: req.Cursor,
		Limit:  req.Limit,
	}
	if req.Type != "" {
		typ, ok := models.ParseRepositoryType(req.Type)
		if !ok {
			apierror.Abort(c, errors.Wrapf(models.ErrInvalidArgument, "unknown repository type %q", req.Type))
			return
		}
		q.Type = typ
	}
	if req.Starred != "" {
		starred, err := strconv.ParseBool(req.Starred)
		if err != nil {
			apierror.Abort(c, errors.Wrapf(models.ErrInvalidArgument, "starred must be a boolean, got %q", req.Starred))
			return
		}
		q.Starred = &starred
	}

	page, err := s.Manager.ListRepositories(c.Request.Context(), q)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ListRepositoriesResponse{Items: page.Items, NextCursor: page.NextCursor})
}

func (s RepositoryService) CreateRepository(c *gin.Context) {
	var req CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err)
		return
	}
	repo, err := s.Manager.CreateRepository(c.Request.Context(), manager.RepositorySpec{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Visibility:  req.Visibility,
		Tags:        req.Tags,
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s RepositoryService) GetRepository(c *gin.Context) {
	repo, err := s.Manager.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

// DeleteRepository removes the repository with all its artifacts. A
// failed call can be repeated and resumes where the last one stopped.
func (s RepositoryService) DeleteRepository(c *gin.Context) {
	if err := s.Manager.DeleteRepository(c.Request.Context(), c.Param("id")); err != nil {
		apierror.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s RepositoryService) ToggleStar(c *gin.Context) {
	repo, err := s.Manager.ToggleStar(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

// GetStats returns the dashboard totals.
func (s RepositoryService) GetStats(c *gin.Context) {
	st, err := s.Manager.Stats(c.Request.Context())
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
