// Package apierror maps the error taxonomy to HTTP responses.
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/novatra/novatra/models"
)

// Status returns the HTTP status for err. Errors outside the taxonomy are
// internal errors.
func Status(err error) int {
	switch models.Kind(err) {
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrInvalidCoordinate, models.ErrInvalidArgument:
		return http.StatusBadRequest
	case models.ErrConflict:
		return http.StatusConflict
	case models.ErrIOFailure:
		return http.StatusServiceUnavailable
	case models.ErrUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type Response struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Abort ends the request with err. Internal errors are recorded on the
// context for the request logger and not echoed to the client.
func Abort(c *gin.Context, err error) {
	status := Status(err)
	resp := Response{Error: err.Error()}
	if kind := models.Kind(err); kind != nil {
		resp.Kind = kind.Error()
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		resp.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

// BadRequest answers a request that failed binding or parsing.
func BadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{Error: err.Error(), Kind: models.ErrInvalidArgument.Error()})
}
