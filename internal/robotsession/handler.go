package robotsession

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler mounts svc.Serve as a gin route for the robot-facing listener.
// The listener is kept on its own port and engine from the tenant-facing
// Control API, per spec.md's separation of the two surfaces.
func Handler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Serve(c.Writer, c.Request)
	}
}

// NewEngine returns a minimal gin engine exposing only the websocket
// upgrade route, so cmd/orchestratord can run it on its own listener
// alongside the chi-routed Control API.
func NewEngine(svc *Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", Handler(svc))
	engine.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return engine
}
