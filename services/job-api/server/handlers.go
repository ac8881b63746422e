package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/internal/cache"
	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/campaigns"
	"github.com/Mutter0815/InviteFlow/internal/engine"
	"github.com/Mutter0815/InviteFlow/internal/progress"
	"github.com/Mutter0815/InviteFlow/internal/quota"
)

const requestTimeout = 10 * time.Second

type jobsAPI interface {
	StartJob(ctx context.Context, operatorID, campaignID int64, customMessage string) (campaign.Job, error)
	PauseJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error)
	ResumeJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error)
	CancelJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error)
	GetJob(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error)
	ListJobs(ctx context.Context, operatorID int64, limit int) ([]campaign.Job, error)
	ObserveJob(ctx context.Context, operatorID int64, jobID string) (*progress.Observation, error)
}

type campaignsAPI interface {
	Create(ctx context.Context, ownerID int64, name string) (campaign.Campaign, error)
	List(ctx context.Context, ownerID int64) ([]campaign.Campaign, error)
	Status(ctx context.Context, ownerID, campaignID int64) (campaigns.StatusView, error)
	AddLeads(ctx context.Context, ownerID, campaignID int64, in []campaigns.LeadInput) (campaigns.ImportResult, error)
	Prefetch(ctx context.Context, ownerID int64) (cache.PrefetchResult, error)
	CheckAcceptance(ctx context.Context, ownerID, campaignID int64) (quota.Reservation, error)
}

type Handlers struct {
	Jobs      jobsAPI
	Campaigns campaignsAPI
}

func NewHandlers(e *engine.Engine) *Handlers {
	return &Handlers{Jobs: e.Jobs, Campaigns: e.Campaigns}
}

type StartJobReq struct {
	CampaignID    int64  `json:"campaign_id" binding:"required,gt=0"`
	CustomMessage string `json:"custom_message" binding:"max=300"`
}

type CreateCampaignReq struct {
	Name string `json:"name" binding:"required"`
}

type AddLeadsReq struct {
	Leads []campaigns.LeadInput `json:"leads" binding:"required,min=1,max=1000,dive"`
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func badRequest(c *gin.Context, err error) {
	writeError(c, apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body"))
}

func campaignParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, apperr.New(apperr.KindInvalidInput, "invalid campaign id"))
		return 0, false
	}
	return id, true
}

func (h *Handlers) StartJob(c *gin.Context) {
	var req StartJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	j, err := h.Jobs.StartJob(ctx, operatorID(c), req.CampaignID, req.CustomMessage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
}

// jobCommand adapts pause, resume, cancel and get to one handler shape.
func (h *Handlers) jobCommand(fn func(ctx context.Context, operatorID int64, jobID string) (campaign.Job, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		j, err := fn(ctx, operatorID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, j)
	}
}

func (h *Handlers) PauseJob(c *gin.Context)  { h.jobCommand(h.Jobs.PauseJob)(c) }
func (h *Handlers) ResumeJob(c *gin.Context) { h.jobCommand(h.Jobs.ResumeJob)(c) }
func (h *Handlers) CancelJob(c *gin.Context) { h.jobCommand(h.Jobs.CancelJob)(c) }
func (h *Handlers) GetJob(c *gin.Context)    { h.jobCommand(h.Jobs.GetJob)(c) }

func (h *Handlers) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	jobs, err := h.Jobs.ListJobs(ctx, operatorID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []campaign.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	camp, err := h.Campaigns.Create(ctx, operatorID(c), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	list, err := h.Campaigns.List(ctx, operatorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []campaign.Campaign{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) CampaignStatus(c *gin.Context) {
	id, ok := campaignParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	view, err := h.Campaigns.Status(ctx, operatorID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) AddLeads(c *gin.Context) {
	id, ok := campaignParam(c)
	if !ok {
		return
	}
	var req AddLeadsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	res, err := h.Campaigns.AddLeads(ctx, operatorID(c), id, req.Leads)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) CheckAcceptance(c *gin.Context) {
	id, ok := campaignParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	res, err := h.Campaigns.CheckAcceptance(ctx, operatorID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handlers) Prefetch(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	res, err := h.Campaigns.Prefetch(ctx, operatorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
