package artifact

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/app/apierror"
	"github.com/novatra/novatra/index"
	"github.com/novatra/novatra/manager"
)

type ArtifactService struct {
	Manager *manager.Manager
	// MaxUpload caps request bodies; zero means no limit.
	MaxUpload int64
}

func (s ArtifactService) GetArtifacts(c *gin.Context) {
	var req ListArtifactsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierror.BadRequest(c, err)
		return
	}
	page, err := s.Manager.ListArtifacts(c.Request.Context(), c.Param("id"), index.Page{
		Cursor: req.Cursor,
		Limit:  req.Limit,
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ListArtifactsResponse{Items: page.Items, NextCursor: page.NextCursor})
}

// UploadArtifact stores the raw request body under the name and version
// given in the query string.
func (s ArtifactService) UploadArtifact(c *gin.Context) {
	var req UploadArtifactRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierror.BadRequest(c, err)
		return
	}

	body := io.Reader(c.Request.Body)
	if s.MaxUpload > 0 {
		body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxUpload)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apierror.Response{
				Error: fmt.Sprintf("artifact exceeds %d bytes", s.MaxUpload),
			})
			return
		}
		apierror.BadRequest(c, errors.Wrap(err, "reading upload"))
		return
	}

	a, err := s.Manager.UploadArtifact(c.Request.Context(), c.Param("id"), req.Name, req.Version, data)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s ArtifactService) GetArtifact(c *gin.Context) {
	a, err := s.Manager.GetArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DownloadArtifact streams the artifact bytes and counts the download.
func (s ArtifactService) DownloadArtifact(c *gin.Context) {
	a, data, err := s.Manager.DownloadArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(a.Name)))
	c.Header("ETag", fmt.Sprintf("%q", a.ContentHash.String()))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s ArtifactService) DeleteArtifact(c *gin.Context) {
	if err := s.Manager.DeleteArtifact(c.Request.Context(), c.Param("id")); err != nil {
		apierror.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
