package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamEvents serves the live status feed as newline-delimited JSON. If
// the job is already terminal the last known event is replayed immediately
// and the stream closes; otherwise events stream live until a terminal
// event or client disconnect.
func (s *Server) streamEvents(c *gin.Context) {
	userID, userRole := identity(c)
	ch, cancel, err := s.manager.Subscribe(c.Request.Context(), c.Param("id"), userID, userRole)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			c.Writer.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
