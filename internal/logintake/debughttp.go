package logintake

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DebugRouter returns a gin engine exposing GET /debug/tail for local
// operators to inspect recently forwarded log records. It is meant to be
// bound to loopback only, never exposed to the control plane.
func (s *Server) DebugRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/debug/tail", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"records": s.Recent()})
	})
	return r
}
