package api

import (
	"fileconv/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	r := gin.New()
	h := NewHandler(cfg, deps)
	r.Use(gin.Recovery(), RequestLogger(h.logger), CORS(cfg.CORSOrigin))

	r.GET("/health", h.handleHealth)

	api := r.Group("/api")
	{
		api.POST("/upload", h.handleUpload)
		api.POST("/convert", h.handleConvert)
		api.GET("/progress/:jobId", h.handleGetProgress)
		api.POST("/cancel/:jobId", h.handleCancel)
		api.GET("/download/:jobId", h.handleDownload)
		api.GET("/jobs", h.handleListJobs)
		api.GET("/formats", h.handleFormats)

		// Live job events.
		api.GET("/events", h.handleEvents)
		api.GET("/ws", h.handleWebSocket)
	}
	return r
}
