package server

import (
	"errors"
	"net/http"

	"github.com/bookwave/convcore/jobs"

	"github.com/gin-gonic/gin"
)

// Exception is the response envelope.
type Exception struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// renderJob writes a successful job response.
func renderJob(c *gin.Context, meta *jobs.Metadata) {
	c.JSON(http.StatusOK, &Exception{Data: meta})
}

// renderError maps manager errors onto the boundary convention:
// unknown job → 404, policy rejection → 403, invalid transition → 200
// with the unchanged job and an embedded error field (a soft failure, not
// an HTTP error), persistence failure → 500, anything else → 400.
func renderError(c *gin.Context, err error) {
	var te *jobs.TransitionError
	var pe *jobs.PersistenceError

	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, &Exception{Message: err.Error()})
	case errors.Is(err, jobs.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, &Exception{Message: err.Error()})
	case errors.As(err, &te):
		c.JSON(http.StatusOK, &Exception{Error: te.Reason, Data: te.Job})
	case errors.As(err, &pe):
		c.JSON(http.StatusInternalServerError, &Exception{Message: err.Error()})
	default:
		c.JSON(http.StatusBadRequest, &Exception{Message: err.Error()})
	}
}
