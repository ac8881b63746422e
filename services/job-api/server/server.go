package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/InviteFlow/docs"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.JobAPISwaggerHTML)
	})
	r.GET("/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.JobAPIOpenAPI)
	})

	api := r.Group("/", Operator())
	api.POST("/jobs", h.StartJob)
	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.POST("/jobs/:id/pause", h.PauseJob)
	api.POST("/jobs/:id/resume", h.ResumeJob)
	api.POST("/jobs/:id/cancel", h.CancelJob)
	api.GET("/jobs/:id/stream", h.StreamJob)

	api.POST("/campaigns", h.CreateCampaign)
	api.GET("/campaigns", h.ListCampaigns)
	api.GET("/campaigns/:id/status", h.CampaignStatus)
	api.POST("/campaigns/:id/leads", h.AddLeads)
	api.POST("/campaigns/:id/acceptance-check", h.CheckAcceptance)
	api.POST("/session/prefetch", h.Prefetch)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
