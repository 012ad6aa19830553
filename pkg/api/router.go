package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ova-exporter",
		})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	h := NewHandler(deps)

	api := r.Group("/api")
	{
		api.GET("/vms", h.ListVMs)
		api.POST("/poweroff", h.PowerOff)
		api.POST("/export", h.Export)
		api.GET("/status", h.Status)
		api.POST("/cancel", h.Cancel)
		api.GET("/history", h.History)
		api.GET("/events", h.Events)
	}

	return r
}
