package server

import (
	"net/http"

	"github.com/bookwave/convcore/access"
	"github.com/bookwave/convcore/jobs"

	"github.com/gin-gonic/gin"
)

func (s *Server) submitJob(c *gin.Context) {
	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &Exception{Message: err.Error()})
		return
	}

	userID, userRole := identity(c)
	meta, err := s.manager.Submit(&req, userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &Exception{Data: meta})
}

func (s *Server) listJobs(c *gin.Context) {
	userID, userRole := identity(c)
	c.JSON(http.StatusOK, &Exception{Data: s.manager.ListJobs(userID, userRole)})
}

func (s *Server) getJob(c *gin.Context) {
	userID, userRole := identity(c)
	meta, err := s.manager.Get(c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}

func (s *Server) pauseJob(c *gin.Context) {
	userID, userRole := identity(c)
	meta, err := s.manager.PauseJob(c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}

func (s *Server) resumeJob(c *gin.Context) {
	userID, userRole := identity(c)
	meta, err := s.manager.ResumeJob(c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}

func (s *Server) cancelJob(c *gin.Context) {
	userID, userRole := identity(c)
	meta, err := s.manager.CancelJob(c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}

func (s *Server) deleteJob(c *gin.Context) {
	userID, userRole := identity(c)
	meta, err := s.manager.DeleteJob(c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}

func (s *Server) updateAccess(c *gin.Context) {
	var policy access.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, &Exception{Message: err.Error()})
		return
	}

	userID, userRole := identity(c)
	meta, err := s.manager.UpdateAccess(c.Param("id"), userID, userRole, &policy)
	if err != nil {
		renderError(c, err)
		return
	}
	renderJob(c, meta)
}
